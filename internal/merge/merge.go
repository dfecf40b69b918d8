// Package merge folds fresh fetch results into the previously cached records
// so a failed refresh never erases good data.
package merge

import (
	"time"

	"sitecache/internal/model"
)

type Options struct {
	Dataset string
	Now     time.Time
	// RetainOrphans keeps records whose item left the catalog.
	RetainOrphans bool
}

type Outcome struct {
	// Records follow catalog order, then retained orphans in previous order.
	Records []model.CacheRecord
	// Orphans are the previous records whose item left the catalog, whether
	// purged or retained.
	Orphans []model.CacheRecord
	Updated int
	Kept    int
	Failed  int
}

// Merge builds the next record set for items. A record is only created once
// some field was fetched successfully, so an item that never succeeded stays
// new for the next run.
func Merge(items []model.Item, previous []model.CacheRecord, fresh []model.Result, opts Options) Outcome {
	prevByID := make(map[string]model.CacheRecord, len(previous))
	for _, r := range previous {
		if _, ok := prevByID[r.ID]; !ok {
			prevByID[r.ID] = r
		}
	}
	var out Outcome
	freshByID := make(map[string]model.Result, len(fresh))
	for _, r := range fresh {
		// Malformed results count as failures and never touch a record.
		if model.ValidateResult(r) != nil {
			out.Failed++
			continue
		}
		freshByID[r.ID] = r
	}

	inCatalog := make(map[string]bool, len(items))
	for _, it := range items {
		if inCatalog[it.ID] {
			continue
		}
		inCatalog[it.ID] = true

		prev, hadPrev := prevByID[it.ID]
		res, hasFresh := freshByID[it.ID]
		if hasFresh && !res.Succeeded() {
			out.Failed++
		}
		if !hasFresh || !res.Succeeded() {
			if hadPrev {
				out.Records = append(out.Records, fromCatalog(prev, it, opts.Dataset))
				out.Kept++
			}
			continue
		}

		rec := prev
		if !hadPrev {
			rec = model.CacheRecord{ID: it.ID}
		}
		rec = fromCatalog(rec, it, opts.Dataset)
		if res.Metadata.Usable() {
			md := *res.Metadata.Value
			rec.Metadata = &md
		}
		if res.Screenshot.Usable() {
			s := *res.Screenshot.Value
			rec.Screenshot = &s
		}
		checked := opts.Now.UTC()
		if !res.CheckedAt.IsZero() {
			checked = res.CheckedAt.UTC()
		}
		rec.LastChecked = &checked
		out.Records = append(out.Records, rec)
		out.Updated++
	}

	seen := make(map[string]bool, len(previous))
	for _, r := range previous {
		if inCatalog[r.ID] || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out.Orphans = append(out.Orphans, r)
		if opts.RetainOrphans {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// fromCatalog copies the catalog-owned fields of it onto rec. Fetched data
// and the last-checked time are left alone.
func fromCatalog(rec model.CacheRecord, it model.Item, dataset string) model.CacheRecord {
	rec.URL = it.URL
	rec.Name = it.Name
	rec.Type = it.Type
	rec.Group = it.Group
	rec.Dataset = dataset
	return rec
}
