package orphans

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/model"
)

func TestArchive_RecordAndHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "orphans.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := model.CacheRecord{
		ID: "old-blog", URL: "https://old.example.com", Dataset: "link-previews.json",
		LastChecked: &checked,
		Metadata:    &model.Metadata{Title: "Old blog"},
	}
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	require.NoError(t, a.Record(ctx, "run-1", "link-previews.json", []model.CacheRecord{rec}, first))
	require.NoError(t, a.Record(ctx, "run-1", "link-previews.json", []model.CacheRecord{rec}, first))
	require.NoError(t, a.Record(ctx, "run-2", "link-previews.json", []model.CacheRecord{rec}, second))
	require.NoError(t, a.Record(ctx, "run-3", "link-previews.json", nil, second))

	hist, err := a.History(ctx, "old-blog")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "run-2", hist[0].RunID)
	assert.Equal(t, second, hist[0].PurgedAt)
	assert.Equal(t, "Old blog", hist[1].Record.Metadata.Title)
	assert.True(t, checked.Equal(*hist[1].Record.LastChecked))

	none, err := a.History(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
