// Package linkpreview refreshes metadata and screenshots for the external
// links in the site catalog, a bounded batch per build.
package linkpreview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sitecache/internal/catalog"
	"sitecache/internal/chunk"
	"sitecache/internal/manifest"
	"sitecache/internal/merge"
	"sitecache/internal/model"
	"sitecache/internal/runstore"
	"sitecache/internal/selector"
	"sitecache/internal/writer"
)

const (
	DefaultDataset           = "link-previews.json"
	DefaultTTL               = 7 * 24 * time.Hour
	DefaultMetadataTimeout   = 10 * time.Second
	DefaultScreenshotTimeout = 30 * time.Second
)

type MetadataFetcher interface {
	Metadata(ctx context.Context, url string) (model.Metadata, error)
}

type Capturer interface {
	Capture(ctx context.Context, id, url string) (model.Screenshot, error)
}

type OrphanArchive interface {
	Record(ctx context.Context, runID, dataset string, records []model.CacheRecord, at time.Time) error
}

// DefaultDescriptor governs the output when the dataset config has no entry for it.
func DefaultDescriptor(name string) model.Descriptor {
	return model.NamedDescriptor{
		Name:  name,
		Rules: model.Settings{TTL: DefaultTTL, Compression: true, Incremental: true},
	}
}

type Options struct {
	CatalogPath string
	// Descriptor names the output dataset and carries its TTL and flags.
	Descriptor model.Descriptor
	CacheDir   string
	Writer     *writer.Writer
	Fetcher    MetadataFetcher
	// Capturer is optional; without it screenshots are skipped.
	Capturer Capturer
	Archive  OrphanArchive

	Initial           bool
	MaxRefresh        int
	ChunkSize         int
	Pause             time.Duration
	MetadataTimeout   time.Duration
	ScreenshotTimeout time.Duration
	RetainOrphans     bool

	Sleeper  chunk.Sleeper
	Now      func() time.Time
	Log      zerolog.Logger
	Progress func(done, total int, id string, failed bool)
}

type Failure struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

type Summary struct {
	RunID           string    `json:"run_id"`
	Dataset         string    `json:"dataset"`
	Output          string    `json:"output"`
	CatalogItems    int       `json:"catalog_items"`
	Ineligible      int       `json:"ineligible"`
	Initial         bool      `json:"initial"`
	Selected        int       `json:"selected"`
	New             int       `json:"new"`
	Refreshed       int       `json:"refreshed"`
	Updated         int       `json:"updated"`
	Cached          int       `json:"cached"`
	Failed          int       `json:"failed"`
	Orphans         int       `json:"orphans"`
	OrphansRetained bool      `json:"orphans_retained"`
	Written         bool      `json:"written"`
	ManifestSaved   bool      `json:"manifest_saved"`
	OriginalSize    int64     `json:"original_size"`
	OptimizedSize   int64     `json:"optimized_size"`
	Failures        []Failure `json:"failures,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	Duration        string    `json:"duration"`
}

// Run threads one manifest through load, select, process, merge and save.
// Per-item failures are reported in the summary; only configuration and
// output errors are returned.
func Run(ctx context.Context, opts Options) (Summary, error) {
	if err := opts.validate(); err != nil {
		return Summary{}, err
	}
	now := opts.now()
	started := time.Now()
	log := opts.Log

	cat, err := catalog.LoadCatalog(opts.CatalogPath)
	if err != nil {
		return Summary{}, err
	}
	for _, name := range cat.Ineligible {
		log.Debug().Str("item", name).Msg("skipping link without an external URL")
	}
	for _, id := range cat.Duplicates {
		log.Debug().Str("id", id).Msg("skipping duplicate link")
	}

	lock, err := runstore.AcquireCacheLock(opts.CacheDir, "link-previews")
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	name := opts.Descriptor.Label()
	settings := opts.Descriptor.Settings()
	dataPath := opts.Writer.DataPath(name)
	sum := Summary{
		RunID:        lock.RunID,
		Dataset:      name,
		Output:       dataPath,
		CatalogItems: len(cat.Items),
		Ineligible:   len(cat.Ineligible),
		StartedAt:    now.UTC(),
	}

	store := manifest.NewStore(filepath.Join(opts.CacheDir, manifest.DefaultFileName), log)
	store.Now = opts.now
	loaded := store.Load()
	mf := loaded.Clone()

	previous, previousRaw := loadPrevious(dataPath, log)
	sum.Initial = opts.Initial || len(previous) == 0 || !settings.Incremental

	batch := selector.Select(cat.Items, previous, selector.Options{
		Initial:      sum.Initial,
		MaxRefresh:   opts.MaxRefresh,
		RefreshAfter: settings.TTL,
		Now:          now,
	})
	sum.Selected = batch.Len()
	sum.New = len(batch.New)
	sum.Refreshed = len(batch.Refresh)
	log.Info().
		Int("catalog", len(cat.Items)).
		Int("new", sum.New).
		Int("refresh", sum.Refreshed).
		Bool("initial", sum.Initial).
		Msg("selected link preview batch")

	results, err := opts.process(ctx, batch.Items)
	if err != nil {
		return sum, err
	}
	for i, r := range results {
		if r.Status == model.StatusError {
			sum.Failures = append(sum.Failures, Failure{ID: r.ID, URL: batch.Items[i].URL, Message: r.Message})
		}
	}

	merged := merge.Merge(cat.Items, previous, results, merge.Options{
		Dataset:       name,
		Now:           now,
		RetainOrphans: opts.RetainOrphans,
	})
	sum.Updated = merged.Updated
	sum.Cached = merged.Kept
	sum.Failed = merged.Failed
	sum.Orphans = len(merged.Orphans)
	sum.OrphansRetained = opts.RetainOrphans

	next, err := runstore.MarshalPretty(nonNil(merged.Records))
	if err != nil {
		return sum, fmt.Errorf("encode %s: %w", name, err)
	}
	verdict := manifest.Policy{Now: opts.now, Hash: manifest.HashFile}.Check(opts.Descriptor, dataPath, mf)
	changed := !bytes.Equal(next, previousRaw)
	if changed || verdict.Stale || opts.Writer.NeedsMirror(name) {
		if !changed && !verdict.Stale {
			verdict.Reason = model.ReasonMirrorPending
		}
		out, err := opts.Writer.Write(ctx, name, next, settings)
		if err != nil {
			return sum, err
		}
		if prev, ok := mf.Files[manifest.Key(out.Path)]; ok && verdict.Reason == model.ReasonMirrorPending {
			out.Entry.LastProcessed = prev.LastProcessed
		}
		mf.Files[manifest.Key(out.Path)] = out.Entry
		sum.Written = out.Changed
		sum.OriginalSize = out.Entry.OriginalSize
		sum.OptimizedSize = out.Entry.OptimizedSize
		log.Info().Str("dataset", name).Str("reason", verdict.Reason).Bool("changed", out.Changed).Msg("link previews written")
	} else if entry, ok := mf.Files[manifest.Key(dataPath)]; ok {
		sum.OriginalSize = entry.OriginalSize
		sum.OptimizedSize = entry.OptimizedSize
	}

	if len(merged.Orphans) > 0 && !opts.RetainOrphans {
		for _, o := range merged.Orphans {
			log.Info().Str("id", o.ID).Str("url", o.URL).Msg("purged orphaned record")
		}
		if opts.Archive != nil {
			if err := opts.Archive.Record(ctx, lock.RunID, name, merged.Orphans, now); err != nil {
				log.Warn().Err(err).Msg("orphan archive failed")
			}
		}
	}

	if !mf.Equal(loaded) {
		mf.LastRun = now.UTC()
		if err := store.Save(mf); err != nil {
			return sum, err
		}
		sum.ManifestSaved = true
	}
	sum.Duration = time.Since(started).Round(time.Millisecond).String()
	return sum, nil
}

func (opts Options) process(ctx context.Context, items []model.Item) ([]model.Result, error) {
	if len(items) == 0 {
		return nil, nil
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.DefaultChunkSize
	}
	var done atomic.Int32
	outcomes, err := chunk.Process(ctx, items, opts.fetchItem, chunk.Options{
		ChunkSize:   chunkSize,
		Pause:       opts.Pause,
		ItemTimeout: opts.metadataTimeout() + opts.screenshotTimeout(),
		Sleeper:     opts.Sleeper,
		ID:          func(i int) string { return items[i].ID },
		OnItem: func(i int, o chunk.Outcome[any]) {
			n := int(done.Add(1))
			if o.Failed() {
				opts.Log.Warn().Str("id", o.ID).Str("url", items[i].URL).Str("error", o.Message).Msg("link preview failed")
			} else {
				opts.Log.Debug().Str("id", o.ID).Msg("link preview fetched")
			}
			if opts.Progress != nil {
				opts.Progress(n, len(items), o.ID, o.Failed())
			}
		},
	})
	if err != nil {
		return nil, err
	}

	results := make([]model.Result, len(outcomes))
	for i, o := range outcomes {
		if o.Failed() {
			results[i] = model.ErrorResult(items[i].ID, o.Message)
			continue
		}
		results[i] = o.Value
	}
	return results, nil
}

// fetchItem returns an error only when no field could be fetched.
func (opts Options) fetchItem(ctx context.Context, item model.Item) (model.Result, error) {
	res := model.Result{ID: item.ID, Status: model.StatusSuccess}

	mctx, cancel := context.WithTimeout(ctx, opts.metadataTimeout())
	md, err := opts.Fetcher.Metadata(mctx, item.URL)
	cancel()
	if err != nil {
		res.Metadata = model.Failed[model.Metadata](err)
	} else {
		res.Metadata = model.OK(md)
	}

	if opts.Capturer == nil {
		res.Screenshot = model.Field[model.Screenshot]{Outcome: model.OutcomeSkipped}
	} else {
		sctx, cancel := context.WithTimeout(ctx, opts.screenshotTimeout())
		shot, err := opts.Capturer.Capture(sctx, item.ID, item.URL)
		cancel()
		if err != nil {
			res.Screenshot = model.Failed[model.Screenshot](err)
		} else {
			res.Screenshot = model.OK(shot)
		}
	}

	res.CheckedAt = opts.now().UTC()
	if !res.Succeeded() {
		msgs := []string{}
		for _, e := range []string{res.Metadata.Err, res.Screenshot.Err} {
			if e != "" {
				msgs = append(msgs, e)
			}
		}
		return model.Result{}, errors.New(strings.Join(msgs, "; "))
	}
	return res, nil
}

// loadPrevious reads the last written record set. An unreadable file is
// treated like a first run.
func loadPrevious(path string, log zerolog.Logger) ([]model.CacheRecord, []byte) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("previous link previews unreadable, starting empty")
		}
		return nil, nil
	}
	var records []model.CacheRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("previous link previews corrupt, starting empty")
		return nil, nil
	}
	return records, raw
}

func nonNil(records []model.CacheRecord) []model.CacheRecord {
	if records == nil {
		return []model.CacheRecord{}
	}
	return records
}

func (opts Options) validate() error {
	switch {
	case strings.TrimSpace(opts.CatalogPath) == "":
		return fmt.Errorf("%w: catalog path is required", catalog.ErrInvalidConfig)
	case strings.TrimSpace(opts.CacheDir) == "":
		return fmt.Errorf("%w: cache directory is required", catalog.ErrInvalidConfig)
	case opts.Descriptor == nil:
		return fmt.Errorf("%w: output dataset is required", catalog.ErrInvalidConfig)
	case opts.Writer == nil || opts.Fetcher == nil:
		return fmt.Errorf("writer and fetcher are required")
	case opts.ChunkSize < 0:
		return fmt.Errorf("%w: %w (got %d)", catalog.ErrInvalidConfig, chunk.ErrChunkSize, opts.ChunkSize)
	}
	return model.Validate(opts.Descriptor)
}

func (opts Options) now() time.Time {
	if opts.Now == nil {
		return time.Now()
	}
	return opts.Now()
}

func (opts Options) metadataTimeout() time.Duration {
	if opts.MetadataTimeout <= 0 {
		return DefaultMetadataTimeout
	}
	return opts.MetadataTimeout
}

func (opts Options) screenshotTimeout() time.Duration {
	if opts.Capturer == nil {
		return 0
	}
	if opts.ScreenshotTimeout <= 0 {
		return DefaultScreenshotTimeout
	}
	return opts.ScreenshotTimeout
}
