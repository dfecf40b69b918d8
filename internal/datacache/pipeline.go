// Package datacache keeps the site's JSON datasets fresh: stale files are
// re-downloaded (when they have a source) and republished, fresh ones are
// left alone.
package datacache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/rs/zerolog"

	"sitecache/internal/catalog"
	"sitecache/internal/chunk"
	"sitecache/internal/manifest"
	"sitecache/internal/model"
	"sitecache/internal/runstore"
	"sitecache/internal/writer"
)

const (
	StatusUpdated = "updated"
	StatusCached  = "cached"
	StatusFailed  = "failed"

	DefaultFetchTimeout = 20 * time.Second
)

type PayloadFetcher interface {
	Payload(ctx context.Context, url string) ([]byte, error)
}

type Options struct {
	Descriptors []model.Descriptor
	CacheDir    string
	Writer      *writer.Writer
	// Fetcher is required only when some dataset declares a source.
	Fetcher PayloadFetcher
	// Skip lists dataset names owned by another command.
	Skip []string

	Initial      bool
	ChunkSize    int
	Pause        time.Duration
	FetchTimeout time.Duration

	Sleeper  chunk.Sleeper
	Now      func() time.Time
	Log      zerolog.Logger
	Progress func(done, total int, name string, failed bool)
}

type DatasetResult struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Downloaded    bool   `json:"downloaded,omitempty"`
	Compacted     bool   `json:"compacted,omitempty"`
	Changed       bool   `json:"changed,omitempty"`
	OriginalSize  int64  `json:"original_size"`
	OptimizedSize int64  `json:"optimized_size"`
	Message       string `json:"message,omitempty"`

	entry *model.ManifestEntry
	fatal error
}

type Summary struct {
	RunID         string          `json:"run_id"`
	Processed     int             `json:"processed"`
	Updated       int             `json:"updated"`
	Cached        int             `json:"cached"`
	Failed        int             `json:"failed"`
	OriginalSize  int64           `json:"original_size"`
	OptimizedSize int64           `json:"optimized_size"`
	ManifestSaved bool            `json:"manifest_saved"`
	Datasets      []DatasetResult `json:"datasets"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      string          `json:"duration"`
}

type target struct {
	name     string
	path     string
	settings model.Settings
	verdict  manifest.Verdict
	tracked  model.ManifestEntry
}

// Run refreshes every stale dataset. Download failures keep the existing
// file and its manifest entry. Output write failures are fatal for their
// dataset; the remaining datasets still run and the combined error is
// returned at the end.
func Run(ctx context.Context, opts Options) (Summary, error) {
	if err := opts.validate(); err != nil {
		return Summary{}, err
	}
	now := opts.now()
	started := time.Now()
	log := opts.Log

	lock, err := runstore.AcquireCacheLock(opts.CacheDir, "data-cache")
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	store := manifest.NewStore(filepath.Join(opts.CacheDir, manifest.DefaultFileName), log)
	store.Now = opts.now
	loaded := store.Load()
	mf := loaded.Clone()

	targets, err := opts.expand(mf)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{RunID: lock.RunID, Processed: len(targets), StartedAt: now.UTC()}

	results := make([]DatasetResult, len(targets))
	var work []int
	for i, t := range targets {
		results[i] = DatasetResult{Name: t.name, Path: t.path, Reason: t.verdict.Reason}
		if t.verdict.Stale {
			work = append(work, i)
			continue
		}
		results[i].Status = StatusCached
		if e, ok := mf.Files[manifest.Key(t.path)]; ok {
			results[i].OriginalSize = e.OriginalSize
			results[i].OptimizedSize = e.OptimizedSize
		}
		log.Debug().Str("dataset", t.name).Msg("dataset fresh")
	}

	if len(work) > 0 {
		chunkSize := opts.ChunkSize
		if chunkSize == 0 {
			chunkSize = chunk.DefaultChunkSize
		}
		var done atomic.Int32
		outcomes, err := chunk.Process(ctx, work, func(ctx context.Context, i int) (DatasetResult, error) {
			return opts.refresh(ctx, targets[i], results[i]), nil
		}, chunk.Options{
			ChunkSize: chunkSize,
			Pause:     opts.Pause,
			Sleeper:   opts.Sleeper,
			ID:        func(j int) string { return targets[work[j]].name },
			OnItem: func(_ int, o chunk.Outcome[any]) {
				failed := o.Failed()
				if r, ok := o.Value.(DatasetResult); ok && r.Status == StatusFailed {
					failed = true
				}
				if opts.Progress != nil {
					opts.Progress(int(done.Add(1)), len(work), o.ID, failed)
				}
			},
		})
		if err != nil {
			return sum, err
		}
		for j, o := range outcomes {
			i := work[j]
			if o.Failed() {
				results[i].Status = StatusFailed
				results[i].Message = o.Message
				continue
			}
			results[i] = o.Value
		}
	}

	var fatal []error
	for _, r := range results {
		switch r.Status {
		case StatusUpdated:
			sum.Updated++
			mf.Files[manifest.Key(r.Path)] = *r.entry
		case StatusCached:
			sum.Cached++
		default:
			sum.Failed++
			if r.fatal != nil {
				fatal = append(fatal, r.fatal)
				log.Error().Err(r.fatal).Str("dataset", r.Name).Msg("dataset write failed")
			} else {
				log.Warn().Str("dataset", r.Name).Str("error", r.Message).Msg("dataset refresh failed, keeping existing file")
			}
		}
		sum.OriginalSize += r.OriginalSize
		sum.OptimizedSize += r.OptimizedSize
	}
	sum.Datasets = results

	if !mf.Equal(loaded) {
		mf.LastRun = now.UTC()
		if err := store.Save(mf); err != nil {
			return sum, err
		}
		sum.ManifestSaved = true
	}
	sum.Duration = time.Since(started).Round(time.Millisecond).String()

	if len(fatal) > 0 {
		return sum, fmt.Errorf("%d dataset(s) failed: %w", len(fatal), errors.Join(fatal...))
	}
	return sum, nil
}

// expand resolves descriptors to files and judges each one. A file matched by
// several descriptors belongs to the first named one, else the first pattern.
func (opts Options) expand(mf model.Manifest) ([]target, error) {
	skip := make(map[string]bool, len(opts.Skip))
	for _, s := range opts.Skip {
		skip[filepath.ToSlash(strings.TrimSpace(s))] = true
	}
	root := opts.Writer.DataPath("")
	policy := manifest.Policy{Now: opts.now, Hash: manifest.HashFile}

	ordered := make([]model.Descriptor, 0, len(opts.Descriptors))
	for _, d := range opts.Descriptors {
		if _, ok := d.(model.NamedDescriptor); ok {
			ordered = append(ordered, d)
		}
	}
	for _, d := range opts.Descriptors {
		if _, ok := d.(model.PatternDescriptor); ok {
			ordered = append(ordered, d)
		}
	}

	var out []target
	seen := map[string]bool{}
	for _, d := range ordered {
		paths, err := d.Expand(root)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", catalog.ErrInvalidConfig, err)
		}
		if len(paths) == 0 {
			opts.Log.Debug().Str("pattern", d.Label()).Msg("pattern matched no files")
		}
		for _, p := range paths {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", p, err)
			}
			name := filepath.ToSlash(rel)
			if seen[name] || skip[name] {
				continue
			}
			seen[name] = true

			t := target{name: name, path: p, settings: d.Settings()}
			switch {
			case opts.Initial:
				t.verdict = manifest.Verdict{Stale: true, Reason: model.ReasonForced}
			case !t.settings.Incremental:
				t.verdict = manifest.Verdict{Stale: true, Reason: model.ReasonNotIncremental}
			default:
				t.verdict = policy.Check(d, p, mf)
			}
			if !t.verdict.Stale && opts.Writer.NeedsMirror(name) {
				t.verdict = manifest.Verdict{Stale: true, Reason: model.ReasonMirrorPending}
				t.tracked = mf.Files[manifest.Key(p)]
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (opts Options) refresh(ctx context.Context, t target, r DatasetResult) DatasetResult {
	log := opts.Log.With().Str("dataset", t.name).Str("reason", t.verdict.Reason).Logger()
	w := opts.Writer

	var (
		out writer.Output
		err error
	)
	if t.settings.Source != "" && t.verdict.Reason != model.ReasonMirrorPending {
		fctx, cancel := context.WithTimeout(ctx, opts.fetchTimeout())
		payload, ferr := opts.Fetcher.Payload(fctx, t.settings.Source)
		cancel()
		if ferr != nil {
			r.Status = StatusFailed
			r.Message = ferr.Error()
			return r
		}
		pretty, perr := prettyPayload(payload, t.settings.Select)
		if perr != nil {
			r.Status = StatusFailed
			r.Message = perr.Error()
			return r
		}
		r.Downloaded = true
		out, err = w.Write(ctx, t.name, pretty, t.settings)
	} else {
		if !runstore.FileExists(t.path) {
			r.Status = StatusFailed
			r.Message = "file is missing and the dataset has no source"
			return r
		}
		out, err = w.Publish(ctx, t.name, t.settings)
	}
	if err != nil {
		r.Status = StatusFailed
		r.Message = err.Error()
		r.fatal = err
		return r
	}

	entry := out.Entry
	if t.verdict.Reason == model.ReasonMirrorPending {
		// only the upload was owed; the TTL clock keeps running
		entry.LastProcessed = t.tracked.LastProcessed
	}
	r.Status = StatusUpdated
	r.entry = &entry
	r.Compacted = out.Compacted
	r.Changed = out.Changed
	r.OriginalSize = entry.OriginalSize
	r.OptimizedSize = entry.OptimizedSize
	log.Info().Int64("original", entry.OriginalSize).Int64("optimized", entry.OptimizedSize).Bool("changed", out.Changed).Msg("dataset refreshed")
	return r
}

// prettyPayload indents a downloaded payload, keeping upstream member order
// unless a JSONPath selection forces a re-encode.
func prettyPayload(payload []byte, sel string) ([]byte, error) {
	if sel == "" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err != nil {
			return nil, fmt.Errorf("indent payload: %w", err)
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}

	x, err := jp.ParseString(sel)
	if err != nil {
		return nil, fmt.Errorf("parse select %q: %w", sel, err)
	}
	doc, err := oj.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	matches := x.Get(doc)
	var selected any
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("select %q matched nothing", sel)
	case 1:
		selected = matches[0]
	default:
		selected = matches
	}
	return runstore.MarshalPretty(selected)
}

func (opts Options) validate() error {
	if strings.TrimSpace(opts.CacheDir) == "" {
		return fmt.Errorf("%w: cache directory is required", catalog.ErrInvalidConfig)
	}
	if opts.Writer == nil {
		return fmt.Errorf("writer is required")
	}
	if opts.ChunkSize < 0 {
		return fmt.Errorf("%w: %w (got %d)", catalog.ErrInvalidConfig, chunk.ErrChunkSize, opts.ChunkSize)
	}
	for _, d := range opts.Descriptors {
		if err := model.Validate(d); err != nil {
			return fmt.Errorf("%w: %w", catalog.ErrInvalidConfig, err)
		}
		if d.Settings().Source != "" && opts.Fetcher == nil {
			return fmt.Errorf("dataset %s has a source but no fetcher is configured", d.Label())
		}
	}
	return nil
}

func (opts Options) now() time.Time {
	if opts.Now == nil {
		return time.Now()
	}
	return opts.Now()
}

func (opts Options) fetchTimeout() time.Duration {
	if opts.FetchTimeout <= 0 {
		return DefaultFetchTimeout
	}
	return opts.FetchTimeout
}
