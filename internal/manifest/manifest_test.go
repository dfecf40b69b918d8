package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestStoreLoad_MissingFileReturnsEmptyManifest(t *testing.T) {
	now := t0
	s := &Store{Path: filepath.Join(t.TempDir(), "manifest.json"), Log: zerolog.Nop(), Now: fixedClock(&now)}

	m := s.Load()
	assert.Empty(t, m.Files)
	assert.True(t, m.LastRun.Equal(t0))
}

func TestStoreLoad_CorruptFileWarnsAndResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var logs bytes.Buffer
	now := t0
	s := &Store{Path: path, Log: zerolog.New(&logs), Now: fixedClock(&now)}

	m := s.Load()
	assert.Empty(t, m.Files)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "manifest corrupt")
}

func TestStoreSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "manifest.json")
	s := NewStore(path, zerolog.Nop())

	m := model.NewManifest(t0)
	m.Files["/data/repos.json"] = model.ManifestEntry{
		LastProcessed: t0,
		LastModified:  t0.Add(-time.Minute),
		ContentHash:   "abc",
		OriginalSize:  100,
		OptimizedSize: 60,
	}
	require.NoError(t, s.Save(m))

	got := s.Load()
	assert.True(t, m.Equal(got))
	assert.True(t, got.LastRun.Equal(t0))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{"lastRun", "files", "lastProcessed", "lastModified", "contentHash", "originalSize", "optimizedSize"} {
		assert.Contains(t, string(raw), `"`+key+`"`)
	}
}

func writeTracked(t *testing.T, path string, body string, processed time.Time) model.Manifest {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	mtime := processed.Add(-time.Second)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	m := model.NewManifest(processed)
	m.Files[Key(path)] = model.ManifestEntry{
		LastProcessed: processed,
		LastModified:  mtime,
		ContentHash:   HashBytes([]byte(body)),
		OriginalSize:  int64(len(body)),
	}
	return m
}

func TestPolicy_TTLExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	m := writeTracked(t, path, `{"a":1}`, t0)
	d := model.NamedDescriptor{Name: "feed.json", Rules: model.Settings{TTL: 1000 * time.Millisecond}}

	now := t0
	p := Policy{Now: fixedClock(&now), Hash: HashFile}

	assert.False(t, p.NeedsUpdate(d, path, m), "checking immediately should be fresh")

	now = t0.Add(1001 * time.Millisecond)
	v := p.Check(d, path, m)
	assert.True(t, v.Stale)
	assert.Equal(t, model.ReasonTTLExpired, v.Reason)
}

func TestPolicy_MissingFileAndUntracked(t *testing.T) {
	dir := t.TempDir()
	d := model.NamedDescriptor{Name: "x.json", Rules: model.Settings{TTL: time.Hour}}
	now := t0
	p := Policy{Now: fixedClock(&now), Hash: HashFile}

	v := p.Check(d, filepath.Join(dir, "x.json"), model.NewManifest(t0))
	assert.Equal(t, Verdict{Stale: true, Reason: model.ReasonMissingFile}, v)

	path := filepath.Join(dir, "x.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	v = p.Check(d, path, model.NewManifest(t0))
	assert.Equal(t, Verdict{Stale: true, Reason: model.ReasonUntracked}, v)
}

func TestPolicy_MtimeOnlyChangeTriggersHashCheckNotRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	m := writeTracked(t, path, `{"a":1}`, t0)
	d := model.NamedDescriptor{Name: "feed.json", Rules: model.Settings{TTL: time.Hour}}

	hashed := 0
	now := t0.Add(time.Minute)
	p := Policy{Now: fixedClock(&now), Hash: func(path string) (string, error) {
		hashed++
		return HashFile(path)
	}}

	assert.False(t, p.NeedsUpdate(d, path, m))
	assert.Equal(t, 0, hashed, "mtime not advanced, no hash expected")

	touched := t0.Add(30 * time.Second)
	require.NoError(t, os.Chtimes(path, touched, touched))
	v := p.Check(d, path, m)
	assert.False(t, v.Stale)
	assert.Equal(t, model.ReasonFresh, v.Reason)
	assert.Equal(t, 1, hashed)

	require.NoError(t, os.WriteFile(path, []byte(`{"a":2}`), 0o644))
	require.NoError(t, os.Chtimes(path, touched, touched))
	v = p.Check(d, path, m)
	assert.True(t, v.Stale)
	assert.Equal(t, model.ReasonContentChanged, v.Reason)
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	body := []byte("hello\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	sum, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(body), sum)
	assert.Len(t, sum, 64)
}
