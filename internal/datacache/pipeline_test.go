package datacache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/catalog"
	"sitecache/internal/chunk"
	"sitecache/internal/model"
	"sitecache/internal/writer"
)

type fakePayloads struct {
	mu      sync.Mutex
	calls   int
	payload map[string]string
}

func (f *fakePayloads) Payload(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	body, ok := f.payload[url]
	if !ok {
		return nil, fmt.Errorf("GET %s: HTTP 503", url)
	}
	return []byte(body), nil
}

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	data    string
	publish string
	cache   string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		data:    filepath.Join(root, "src", "_data"),
		publish: filepath.Join(root, "public", "data"),
		cache:   filepath.Join(root, ".cache"),
		now:     t0,
	}
	require.NoError(t, os.MkdirAll(filepath.Join(f.data, "feeds"), 0o755))
	return f
}

func (f *fixture) write(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(f.data, filepath.FromSlash(name))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	past := t0.Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
}

func (f *fixture) options(descs []model.Descriptor, fetcher PayloadFetcher) Options {
	return Options{
		Descriptors: descs,
		CacheDir:    f.cache,
		Writer: writer.New(writer.Config{
			DataDir:          f.data,
			PublishDir:       f.publish,
			CompactThreshold: 64,
			Log:              zerolog.Nop(),
			Now:              func() time.Time { return f.now },
		}),
		Fetcher:   fetcher,
		ChunkSize: 2,
		Sleeper:   chunk.SleepFunc(func(context.Context, time.Duration) error { return nil }),
		Now:       func() time.Time { return f.now },
		Log:       zerolog.Nop(),
	}
}

func settings(ttl time.Duration, incremental bool) model.Settings {
	return model.Settings{TTL: ttl, Compression: true, Incremental: incremental}
}

func bigJSON(n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf(`  {"id": %d, "note": null, "tags": []}`, i))
	}
	return "[\n" + strings.Join(parts, ",\n") + "\n]\n"
}

func byName(sum Summary) map[string]DatasetResult {
	out := map[string]DatasetResult{}
	for _, d := range sum.Datasets {
		out[d.Name] = d
	}
	return out
}

func TestRun_PublishesThenSkipsFreshDatasets(t *testing.T) {
	f := newFixture(t)
	f.write(t, "projects.json", bigJSON(10))
	f.write(t, "feeds/a.json", bigJSON(3))
	f.write(t, "feeds/b.json", `{"items": []}`)
	descs := []model.Descriptor{
		model.PatternDescriptor{Pattern: "feeds/*.json", Rules: settings(time.Hour, true)},
		model.NamedDescriptor{Name: "projects.json", Rules: settings(24 * time.Hour, true)},
	}

	first, err := Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Processed)
	assert.Equal(t, 3, first.Updated)
	assert.True(t, first.ManifestSaved)
	assert.Equal(t, "projects.json", first.Datasets[0].Name, "named descriptors expand first")
	assert.Equal(t, model.ReasonUntracked, first.Datasets[0].Reason)
	assert.Less(t, first.OptimizedSize, first.OriginalSize)

	published, err := os.ReadFile(filepath.Join(f.publish, "projects.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(published), "null")

	manifestBefore, err := os.ReadFile(filepath.Join(f.cache, "manifest.json"))
	require.NoError(t, err)

	f.now = t0.Add(30 * time.Minute)
	second, err := Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, second.Cached)
	assert.Equal(t, 0, second.Updated)
	assert.False(t, second.ManifestSaved)
	manifestAfter, err := os.ReadFile(filepath.Join(f.cache, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, manifestBefore, manifestAfter)

	f.now = t0.Add(2 * time.Hour)
	third, err := Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)
	got := byName(third)
	assert.Equal(t, StatusUpdated, got["feeds/a.json"].Status)
	assert.Equal(t, model.ReasonTTLExpired, got["feeds/a.json"].Reason)
	assert.Equal(t, StatusCached, got["projects.json"].Status)
}

func TestRun_ExternalEditIsDetectedByHash(t *testing.T) {
	f := newFixture(t)
	f.write(t, "projects.json", bigJSON(4))
	descs := []model.Descriptor{model.NamedDescriptor{Name: "projects.json", Rules: settings(24 * time.Hour, true)}}
	_, err := Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)

	// same bytes, newer mtime: hash check only
	path := filepath.Join(f.data, "projects.json")
	touched := t0.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, touched, touched))
	f.now = t0.Add(10 * time.Minute)
	sum, err := Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cached)

	require.NoError(t, os.WriteFile(path, []byte(bigJSON(5)), 0o644))
	edited := t0.Add(2 * time.Minute)
	require.NoError(t, os.Chtimes(path, edited, edited))
	sum, err = Run(context.Background(), f.options(descs, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, model.ReasonContentChanged, sum.Datasets[0].Reason)
}

func TestRun_SourceDownloadAndFailureKeepsExisting(t *testing.T) {
	f := newFixture(t)
	fetcher := &fakePayloads{payload: map[string]string{
		"https://api.example.com/repos": `{"total": 2, "items": [{"name": "a"}, {"name": "b", "fork": null}]}`,
	}}
	descs := []model.Descriptor{
		model.NamedDescriptor{Name: "repos.json", Rules: model.Settings{
			TTL: time.Hour, Compression: true, Incremental: true,
			Source: "https://api.example.com/repos", Select: "$.items",
		}},
		model.NamedDescriptor{Name: "stars.json", Rules: model.Settings{
			TTL: time.Hour, Compression: true, Incremental: true,
			Source: "https://api.example.com/stars",
		}},
	}
	f.write(t, "stars.json", `["kept"]`)

	sum, err := Run(context.Background(), f.options(descs, fetcher))
	require.NoError(t, err)
	got := byName(sum)
	assert.Equal(t, StatusUpdated, got["repos.json"].Status)
	assert.True(t, got["repos.json"].Downloaded)
	assert.Equal(t, StatusFailed, got["stars.json"].Status)
	assert.Contains(t, got["stars.json"].Message, "503")
	assert.Equal(t, 2, fetcher.calls)

	repos, err := os.ReadFile(filepath.Join(f.data, "repos.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name": "a"}, {"name": "b", "fork": null}]`, string(repos))
	stars, err := os.ReadFile(filepath.Join(f.data, "stars.json"))
	require.NoError(t, err)
	assert.Equal(t, `["kept"]`, string(stars))
}

func TestRun_WriteFailureIsFatalButOthersStillRun(t *testing.T) {
	f := newFixture(t)
	f.write(t, "good.json", `{"ok": true}`)
	f.write(t, "bad.json", `{"ok": `)
	descs := []model.Descriptor{
		model.NamedDescriptor{Name: "bad.json", Rules: settings(time.Hour, false)},
		model.NamedDescriptor{Name: "good.json", Rules: settings(time.Hour, false)},
	}

	sum, err := Run(context.Background(), f.options(descs, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, writer.ErrPayload))
	got := byName(sum)
	assert.Equal(t, StatusFailed, got["bad.json"].Status)
	assert.Equal(t, StatusUpdated, got["good.json"].Status)
	assert.Equal(t, model.ReasonNotIncremental, got["good.json"].Reason)
	assert.FileExists(t, filepath.Join(f.publish, "good.json"))
}

func TestRun_SkipAndMissingFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "link-previews.json", `[]`)
	descs := []model.Descriptor{
		model.NamedDescriptor{Name: "link-previews.json", Rules: settings(time.Hour, true)},
		model.NamedDescriptor{Name: "absent.json", Rules: settings(time.Hour, true)},
	}
	opts := f.options(descs, nil)
	opts.Skip = []string{"link-previews.json"}

	sum, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, sum.Datasets, 1)
	assert.Equal(t, "absent.json", sum.Datasets[0].Name)
	assert.Equal(t, StatusFailed, sum.Datasets[0].Status)
	assert.Equal(t, model.ReasonMissingFile, sum.Datasets[0].Reason)
}

func TestRun_InvalidOptions(t *testing.T) {
	f := newFixture(t)
	opts := f.options([]model.Descriptor{model.NamedDescriptor{Name: "x.json", Rules: model.Settings{}}}, nil)
	_, err := Run(context.Background(), opts)
	assert.True(t, errors.Is(err, catalog.ErrInvalidConfig))

	opts = f.options(nil, nil)
	opts.ChunkSize = -1
	_, err = Run(context.Background(), opts)
	assert.True(t, errors.Is(err, chunk.ErrChunkSize))
}

type flakyMirror struct {
	mu   sync.Mutex
	fail bool
	puts []string
}

func (m *flakyMirror) Put(_ context.Context, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("bucket unavailable")
	}
	m.puts = append(m.puts, key)
	return nil
}

func TestRun_FreshDatasetIsRepublishedUntilMirrorAccepts(t *testing.T) {
	f := newFixture(t)
	f.write(t, "projects.json", bigJSON(6))
	descs := []model.Descriptor{model.NamedDescriptor{Name: "projects.json", Rules: settings(24 * time.Hour, true)}}
	mirror := &flakyMirror{fail: true}
	options := func() Options {
		opts := f.options(descs, nil)
		opts.Writer = writer.New(writer.Config{
			DataDir:          f.data,
			PublishDir:       f.publish,
			CompactThreshold: 64,
			Mirror:           mirror,
			MirrorStatePath:  filepath.Join(f.cache, "mirror-state.json"),
			Log:              zerolog.Nop(),
			Now:              func() time.Time { return f.now },
		})
		return opts
	}

	_, err := Run(context.Background(), options())
	require.NoError(t, err)
	assert.Empty(t, mirror.puts)
	manifestBefore, err := os.ReadFile(filepath.Join(f.cache, "manifest.json"))
	require.NoError(t, err)

	mirror.fail = false
	f.now = t0.Add(10 * time.Minute)
	sum, err := Run(context.Background(), options())
	require.NoError(t, err)
	require.Len(t, sum.Datasets, 1)
	assert.Equal(t, StatusUpdated, sum.Datasets[0].Status)
	assert.Equal(t, model.ReasonMirrorPending, sum.Datasets[0].Reason)
	assert.Equal(t, []string{"projects.json"}, mirror.puts)
	assert.False(t, sum.ManifestSaved, "a retried upload leaves the TTL clock alone")
	manifestAfter, err := os.ReadFile(filepath.Join(f.cache, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, manifestBefore, manifestAfter)

	f.now = t0.Add(20 * time.Minute)
	sum, err = Run(context.Background(), options())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cached)
	assert.Len(t, mirror.puts, 1)
}
