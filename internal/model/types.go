package model

import "time"

// Item is one external link tracked by the link-preview pipeline.
type Item struct {
	ID    string `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url"`
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type,omitempty" yaml:"type"`
	Group string `json:"group,omitempty" yaml:"group"`
}

// CacheRecord is the persisted fetched state for one Item. Nil pointers mean
// the value was never fetched successfully and serialize as null.
type CacheRecord struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Name        string      `json:"name,omitempty"`
	Type        string      `json:"type,omitempty"`
	Group       string      `json:"group,omitempty"`
	Dataset     string      `json:"dataset"`
	LastChecked *time.Time  `json:"last_checked"`
	Metadata    *Metadata   `json:"metadata"`
	Screenshot  *Screenshot `json:"screenshot"`
}

type Metadata struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Image       string    `json:"image"`
	SiteName    string    `json:"site_name"`
	Favicon     string    `json:"favicon"`
	ContentType string    `json:"content_type,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type Screenshot struct {
	Path       string    `json:"path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bytes      int64     `json:"bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// Outcome says what happened to one field of a fresh fetch.
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
)

// Field carries one fetched value. Only OutcomeOK with a non-nil Value may
// replace previously cached data.
type Field[T any] struct {
	Outcome Outcome `json:"outcome"`
	Value   *T      `json:"value,omitempty"`
	Err     string  `json:"error,omitempty"`
}

func OK[T any](v T) Field[T] {
	return Field[T]{Outcome: OutcomeOK, Value: &v}
}

func Failed[T any](err error) Field[T] {
	f := Field[T]{Outcome: OutcomeFailed}
	if err != nil {
		f.Err = err.Error()
	}
	return f
}

func (f Field[T]) Usable() bool {
	return f.Outcome == OutcomeOK && f.Value != nil
}

// Result is the fresh, possibly partial, outcome of processing one Item.
type Result struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Metadata   Field[Metadata]   `json:"metadata"`
	Screenshot Field[Screenshot] `json:"screenshot"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Succeeded reports whether any field of r can be merged.
func (r Result) Succeeded() bool {
	if r.Status != StatusSuccess {
		return false
	}
	return r.Metadata.Usable() || r.Screenshot.Usable()
}

// ErrorResult converts an item-level failure into a result that merges as a no-op.
func ErrorResult(id, message string) Result {
	return Result{
		ID:         id,
		Status:     StatusError,
		Message:    message,
		Metadata:   Field[Metadata]{Outcome: OutcomeFailed, Err: message},
		Screenshot: Field[Screenshot]{Outcome: OutcomeFailed, Err: message},
	}
}

// Manifest is the persisted bookkeeping for every tracked file.
type Manifest struct {
	LastRun time.Time                `json:"lastRun"`
	Files   map[string]ManifestEntry `json:"files"`
}

type ManifestEntry struct {
	LastProcessed time.Time `json:"lastProcessed"`
	LastModified  time.Time `json:"lastModified"`
	ContentHash   string    `json:"contentHash"`
	OriginalSize  int64     `json:"originalSize"`
	OptimizedSize int64     `json:"optimizedSize"`
}

func NewManifest(now time.Time) Manifest {
	return Manifest{
		LastRun: now.UTC(),
		Files:   map[string]ManifestEntry{},
	}
}

func (m Manifest) Clone() Manifest {
	out := Manifest{
		LastRun: m.LastRun,
		Files:   make(map[string]ManifestEntry, len(m.Files)),
	}
	for k, v := range m.Files {
		out.Files[k] = v
	}
	return out
}

// Equal compares file entries; LastRun is deliberately ignored.
func (m Manifest) Equal(other Manifest) bool {
	if len(m.Files) != len(other.Files) {
		return false
	}
	for k, a := range m.Files {
		b, ok := other.Files[k]
		if !ok {
			return false
		}
		if !a.LastProcessed.Equal(b.LastProcessed) || !a.LastModified.Equal(b.LastModified) {
			return false
		}
		if a.ContentHash != b.ContentHash || a.OriginalSize != b.OriginalSize || a.OptimizedSize != b.OptimizedSize {
			return false
		}
	}
	return true
}
