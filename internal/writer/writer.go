// Package writer persists dataset payloads: the pretty source-of-truth copy,
// the publish copy (compacted when worthwhile) and an optional bucket mirror.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitecache/internal/compact"
	"sitecache/internal/manifest"
	"sitecache/internal/model"
	"sitecache/internal/runstore"
)

var (
	// ErrWrite marks a failed output write. The dataset is left as it was.
	ErrWrite = errors.New("write output")
	// ErrPayload marks a source-of-truth file that is not valid JSON.
	ErrPayload = errors.New("invalid payload")
)

// Mirror receives every publish copy the bucket does not hold yet. Failures
// are logged and retried on a later publish; they never fail the dataset.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

type Config struct {
	DataDir          string
	PublishDir       string
	CompactThreshold int
	Mirror           Mirror
	Log              zerolog.Logger
	Now              func() time.Time

	// MirrorStatePath records which publish copies the bucket holds. Empty
	// keeps that state in memory only.
	MirrorStatePath string
}

type Writer struct {
	cfg Config

	mu       sync.Mutex
	mirrored map[string]string
}

func New(cfg Config) *Writer {
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = compact.DefaultThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Writer{cfg: cfg}
}

type Output struct {
	Name        string
	Path        string
	PublishPath string
	Entry       model.ManifestEntry
	// Changed is true when either on-disk artifact was rewritten.
	Changed   bool
	Compacted bool
	Mirrored  bool
}

// WriteRecords stores records as the dataset name, then publishes it.
func (w *Writer) WriteRecords(ctx context.Context, name string, records []model.CacheRecord, s model.Settings) (Output, error) {
	if records == nil {
		records = []model.CacheRecord{}
	}
	data, err := runstore.MarshalPretty(records)
	if err != nil {
		return Output{}, fmt.Errorf("%w: encode %s: %w", ErrWrite, name, err)
	}
	return w.Write(ctx, name, data, s)
}

// Write replaces the source-of-truth copy of name with pretty, then publishes it.
func (w *Writer) Write(ctx context.Context, name string, pretty []byte, s model.Settings) (Output, error) {
	path := w.DataPath(name)
	changed, err := writeIfChanged(path, pretty)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %w", ErrWrite, name, err)
	}
	out, err := w.Publish(ctx, name, s)
	out.Changed = out.Changed || changed
	return out, err
}

// Publish derives the publish copy of name from the file already in the data
// directory and returns the manifest entry describing it.
func (w *Writer) Publish(ctx context.Context, name string, s model.Settings) (Output, error) {
	path := w.DataPath(name)
	original, err := os.ReadFile(path)
	if err != nil {
		return Output{}, fmt.Errorf("%w: read %s: %w", ErrWrite, path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Output{}, fmt.Errorf("%w: stat %s: %w", ErrWrite, path, err)
	}

	out := Output{Name: name, Path: path}
	published := original
	if compact.ShouldCompact(s.Compression, len(original), w.cfg.CompactThreshold) {
		c, err := compact.Compact(original)
		switch {
		case err == nil:
			published = c
			out.Compacted = true
		case errors.Is(err, compact.ErrUnrepresentable):
			// ojg cannot round-trip the payload; publish it as written.
			w.cfg.Log.Warn().Str("dataset", name).Msg("payload has out-of-range numbers, publishing uncompacted")
		default:
			return Output{}, fmt.Errorf("%w: %s: %w", ErrPayload, path, err)
		}
	}
	if !out.Compacted {
		if err := compact.Validate(original); err != nil {
			return Output{}, fmt.Errorf("%w: %s: %w", ErrPayload, path, err)
		}
	}

	if w.cfg.PublishDir != "" {
		out.PublishPath = filepath.Join(w.cfg.PublishDir, filepath.FromSlash(name))
		changed, err := writeIfChanged(out.PublishPath, published)
		if err != nil {
			return Output{}, fmt.Errorf("%w: publish %s: %w", ErrWrite, name, err)
		}
		out.Changed = changed
		if hash := manifest.HashBytes(published); w.mirrorPending(name, hash) {
			if err := w.cfg.Mirror.Put(ctx, filepath.ToSlash(name), published); err != nil {
				w.cfg.Log.Warn().Err(err).Str("dataset", name).Msg("bucket mirror failed, will retry")
			} else {
				out.Mirrored = true
				w.markMirrored(name, hash)
			}
		}
	}

	out.Entry = model.ManifestEntry{
		LastProcessed: w.cfg.Now().UTC(),
		LastModified:  info.ModTime().UTC(),
		ContentHash:   manifest.HashBytes(original),
		OriginalSize:  int64(len(original)),
		OptimizedSize: int64(len(published)),
	}
	w.cfg.Log.Debug().
		Str("dataset", name).
		Int64("original", out.Entry.OriginalSize).
		Int64("optimized", out.Entry.OptimizedSize).
		Bool("compacted", out.Compacted).
		Bool("changed", out.Changed).
		Msg("dataset published")
	return out, nil
}

// NeedsMirror reports whether the bucket lacks the current publish copy of
// name, for example after a failed upload.
func (w *Writer) NeedsMirror(name string) bool {
	if w.cfg.Mirror == nil || w.cfg.PublishDir == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(w.cfg.PublishDir, filepath.FromSlash(name)))
	if err != nil {
		return false
	}
	return w.mirrorPending(name, manifest.HashBytes(data))
}

func (w *Writer) mirrorPending(name, hash string) bool {
	if w.cfg.Mirror == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mirrorState()[filepath.ToSlash(name)] != hash
}

func (w *Writer) markMirrored(name, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := w.mirrorState()
	state[filepath.ToSlash(name)] = hash
	if w.cfg.MirrorStatePath == "" {
		return
	}
	if err := runstore.WriteJSON(w.cfg.MirrorStatePath, state); err != nil {
		w.cfg.Log.Warn().Err(err).Str("path", w.cfg.MirrorStatePath).Msg("save mirror state failed")
	}
}

// mirrorState loads the uploaded hashes on first use. Callers hold w.mu.
func (w *Writer) mirrorState() map[string]string {
	if w.mirrored != nil {
		return w.mirrored
	}
	w.mirrored = map[string]string{}
	if w.cfg.MirrorStatePath == "" || !runstore.FileExists(w.cfg.MirrorStatePath) {
		return w.mirrored
	}
	if err := runstore.ReadJSON(w.cfg.MirrorStatePath, &w.mirrored); err != nil {
		w.cfg.Log.Warn().Err(err).Str("path", w.cfg.MirrorStatePath).Msg("mirror state unreadable, re-uploading")
		w.mirrored = map[string]string{}
	}
	return w.mirrored
}

func (w *Writer) DataPath(name string) string {
	return filepath.Join(w.cfg.DataDir, filepath.FromSlash(name))
}

// writeIfChanged skips the rename when path already holds data, keeping its
// mtime stable across runs that produce identical output.
func writeIfChanged(path string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := runstore.WriteBytes(path, data); err != nil {
		return false, err
	}
	return true, nil
}
