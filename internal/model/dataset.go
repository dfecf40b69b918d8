package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Settings are the per-dataset refresh and publishing rules.
type Settings struct {
	TTL         time.Duration
	Compression bool
	Incremental bool
	// Source, when set, is an upstream URL the dataset is re-downloaded from.
	Source string
	// Select is a JSONPath applied to the downloaded payload.
	Select string
}

// Descriptor is either a NamedDescriptor or a PatternDescriptor.
type Descriptor interface {
	Label() string
	Settings() Settings
	// Expand resolves the descriptor to concrete files under root.
	Expand(root string) ([]string, error)
	isDescriptor()
}

type NamedDescriptor struct {
	Name  string
	Rules Settings
}

type PatternDescriptor struct {
	Pattern string
	Rules   Settings
}

func (d NamedDescriptor) Label() string { return d.Name }
func (d NamedDescriptor) Settings() Settings { return d.Rules }
func (NamedDescriptor) isDescriptor() {}

// Expand returns the named file even when it does not exist yet.
func (d NamedDescriptor) Expand(root string) ([]string, error) {
	return []string{filepath.Join(root, filepath.FromSlash(d.Name))}, nil
}

func (d PatternDescriptor) Label() string { return d.Pattern }
func (d PatternDescriptor) Settings() Settings { return d.Rules }
func (PatternDescriptor) isDescriptor() {}

func (d PatternDescriptor) Expand(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(d.Pattern)))
	if err != nil {
		return nil, fmt.Errorf("expand pattern %s: %w", d.Pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Validate checks the invariants shared by every descriptor kind.
func Validate(d Descriptor) error {
	label := strings.TrimSpace(d.Label())
	if label == "" {
		return fmt.Errorf("dataset descriptor has no name or pattern")
	}
	if filepath.IsAbs(label) || strings.HasPrefix(filepath.Clean(label), "..") {
		return fmt.Errorf("dataset %s must be relative to the data directory", label)
	}
	if d.Settings().TTL <= 0 {
		return fmt.Errorf("dataset %s: ttl must be greater than zero", label)
	}
	return nil
}
