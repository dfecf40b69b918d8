package manifest

import (
	"errors"
	"os"
	"time"

	"sitecache/internal/model"
)

type Verdict struct {
	Stale  bool
	Reason string
}

// Policy decides whether a tracked file must be refreshed.
type Policy struct {
	Now  func() time.Time
	Hash func(path string) (string, error)
}

func NewPolicy() Policy {
	return Policy{Now: time.Now, Hash: HashFile}
}

func (p Policy) NeedsUpdate(d model.Descriptor, path string, m model.Manifest) bool {
	return p.Check(d, path, m).Stale
}

// Check evaluates, in order: file presence, manifest entry presence, hard TTL
// expiry, then a content hash comparison that only runs when the on-disk
// mtime moved past the recorded one.
func (p Policy) Check(d model.Descriptor, path string, m model.Manifest) Verdict {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Verdict{Stale: true, Reason: model.ReasonMissingFile}
		}
		return Verdict{Stale: true, Reason: model.ReasonHashError}
	}

	entry, ok := m.Files[Key(path)]
	if !ok {
		return Verdict{Stale: true, Reason: model.ReasonUntracked}
	}

	if p.now().Sub(entry.LastProcessed) > d.Settings().TTL {
		return Verdict{Stale: true, Reason: model.ReasonTTLExpired}
	}

	if info.ModTime().After(entry.LastModified) {
		sum, err := p.hash(path)
		if err != nil {
			return Verdict{Stale: true, Reason: model.ReasonHashError}
		}
		if sum != entry.ContentHash {
			return Verdict{Stale: true, Reason: model.ReasonContentChanged}
		}
	}

	return Verdict{Stale: false, Reason: model.ReasonFresh}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) hash(path string) (string, error) {
	if p.Hash == nil {
		return HashFile(path)
	}
	return p.Hash(path)
}
