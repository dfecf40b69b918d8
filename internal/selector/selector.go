// Package selector computes the bounded work set for one run.
package selector

import (
	"slices"
	"strings"
	"time"

	"sitecache/internal/model"
)

const DefaultMaxRefresh = 10

type Options struct {
	// Initial selects every item (first run or forced rebuild).
	Initial    bool
	MaxRefresh int
	// RefreshAfter, when positive, limits refresh candidates to records whose
	// last check is older than this. Zero makes every tracked record eligible.
	RefreshAfter time.Duration
	Now          time.Time
}

// Batch is the selected work set. Items holds New followed by Refresh.
type Batch struct {
	Items   []model.Item
	New     []model.Item
	Refresh []model.Item
}

func (b Batch) Len() int { return len(b.Items) }

// Select bounds per-run external calls to len(new items) + MaxRefresh,
// independent of catalog size.
func Select(all []model.Item, existing []model.CacheRecord, opts Options) Batch {
	if len(all) == 0 {
		return Batch{}
	}
	if opts.Initial || len(existing) == 0 {
		items := dedupe(all)
		return Batch{Items: items, New: items}
	}

	maxRefresh := opts.MaxRefresh
	if maxRefresh < 0 {
		maxRefresh = 0
	}

	known := make(map[string]model.CacheRecord, len(existing))
	for _, r := range existing {
		known[r.ID] = r
	}

	var batch Batch
	byID := make(map[string]model.Item, len(all))
	for _, it := range all {
		if _, dup := byID[it.ID]; dup {
			continue
		}
		byID[it.ID] = it
		if _, ok := known[it.ID]; !ok {
			batch.New = append(batch.New, it)
		}
	}

	candidates := make([]model.CacheRecord, 0, len(existing))
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if _, ok := byID[r.ID]; !ok {
			continue
		}
		if opts.RefreshAfter > 0 && r.LastChecked != nil && opts.Now.Sub(*r.LastChecked) <= opts.RefreshAfter {
			continue
		}
		candidates = append(candidates, r)
	}
	slices.SortFunc(candidates, func(a, b model.CacheRecord) int {
		ta, tb := lastChecked(a), lastChecked(b)
		if c := ta.Compare(tb); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(candidates) > maxRefresh {
		candidates = candidates[:maxRefresh]
	}
	for _, r := range candidates {
		batch.Refresh = append(batch.Refresh, byID[r.ID])
	}

	batch.Items = dedupe(append(append([]model.Item{}, batch.New...), batch.Refresh...))
	return batch
}

// lastChecked sorts never-checked records first.
func lastChecked(r model.CacheRecord) time.Time {
	if r.LastChecked == nil {
		return time.Unix(0, 0).UTC()
	}
	return *r.LastChecked
}

func dedupe(items []model.Item) []model.Item {
	out := make([]model.Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}
