// Package shot captures page screenshots with a headless Chromium-family
// browser, one short-lived process per item.
package shot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"sitecache/internal/model"
	"sitecache/internal/runstore"
)

const (
	DefaultWidth   = 1280
	DefaultHeight  = 800
	DefaultTimeout = 30 * time.Second
)

var browserCandidates = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "chrome"}

type Options struct {
	// Browser is a binary name or path. Empty picks the first candidate on PATH.
	Browser string
	OutDir  string
	Width   int
	Height  int
	// Timeout bounds one capture when the caller's ctx has a later deadline.
	Timeout time.Duration
}

type Capturer struct {
	browser string
	opts    Options
}

type DependencyReport struct {
	BrowserFound bool   `json:"browser_found"`
	BrowserPath  string `json:"browser_path,omitempty"`
}

// DependencyStatus reports which browser binary would be used.
func DependencyStatus(browser string) DependencyReport {
	candidates := browserCandidates
	if strings.TrimSpace(browser) != "" {
		candidates = []string{strings.TrimSpace(browser)}
	}
	for _, bin := range candidates {
		if path, err := exec.LookPath(bin); err == nil {
			return DependencyReport{BrowserFound: true, BrowserPath: path}
		}
	}
	return DependencyReport{}
}

func New(opts Options) (*Capturer, error) {
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("screenshot directory is required")
	}
	report := DependencyStatus(opts.Browser)
	if !report.BrowserFound {
		want := opts.Browser
		if strings.TrimSpace(want) == "" {
			want = strings.Join(browserCandidates, ", ")
		}
		return nil, fmt.Errorf("missing dependency: no headless browser found on PATH (looked for %s)", want)
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if err := runstore.Mkdir(opts.OutDir); err != nil {
		return nil, err
	}
	return &Capturer{browser: report.BrowserPath, opts: opts}, nil
}

// Capture renders pageURL to <OutDir>/<id>.png. The browser process and its
// profile directory are always torn down before Capture returns.
func (c *Capturer) Capture(ctx context.Context, id, pageURL string) (model.Screenshot, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(pageURL) == "" {
		return model.Screenshot{}, fmt.Errorf("id and url are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	profile, err := os.MkdirTemp("", "sitecache-shot-*")
	if err != nil {
		return model.Screenshot{}, fmt.Errorf("create browser profile: %w", err)
	}
	defer os.RemoveAll(profile)

	final := filepath.Join(c.opts.OutDir, id+".png")
	tmp := filepath.Join(profile, "capture.png")
	args := []string{
		"--headless=new",
		"--disable-gpu",
		"--no-first-run",
		"--no-default-browser-check",
		"--hide-scrollbars",
		"--mute-audio",
		"--user-data-dir=" + profile,
		fmt.Sprintf("--window-size=%d,%d", c.opts.Width, c.opts.Height),
		"--screenshot=" + tmp,
		pageURL,
	}

	cmd := exec.CommandContext(ctx, c.browser, args...)
	configureProcess(cmd)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 8192}
	cmd.Stdout = cmd.Stderr
	if err := cmd.Start(); err != nil {
		return model.Screenshot{}, fmt.Errorf("start browser: %w", err)
	}
	defer killProcess(cmd)

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Screenshot{}, fmt.Errorf("screenshot %s timed out after %s", pageURL, c.opts.Timeout)
		}
		return model.Screenshot{}, fmt.Errorf("browser failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return model.Screenshot{}, fmt.Errorf("browser produced no screenshot for %s: %w", pageURL, err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.Screenshot{}, fmt.Errorf("screenshot for %s is not a PNG: %w", pageURL, err)
	}
	if err := runstore.WriteBytes(final, data); err != nil {
		return model.Screenshot{}, err
	}
	return model.Screenshot{
		Path:       filepath.ToSlash(final),
		Width:      cfg.Width,
		Height:     cfg.Height,
		Bytes:      int64(len(data)),
		CapturedAt: time.Now().UTC(),
	}, nil
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if remain := w.max - w.buf.Len(); remain > 0 {
		if len(p) > remain {
			w.buf.Write(p[:remain])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
