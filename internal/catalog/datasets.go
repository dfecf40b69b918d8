package catalog

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"

	"sitecache/internal/model"
)

type rawDatasets struct {
	Datasets []rawDataset `yaml:"datasets"`
}

type rawDataset struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	TTLMillis   *int64 `yaml:"ttlMillis"`
	TTL         string `yaml:"ttl"`
	Compression *bool  `yaml:"compression"`
	Incremental *bool  `yaml:"incremental"`
	Source      string `yaml:"source"`
	Select      string `yaml:"select"`
}

func LoadDatasets(file string) ([]model.Descriptor, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read dataset config %s: %w", file, err)
	}
	var raw rawDatasets
	if err := decodeStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse dataset config %s: %v", ErrInvalidConfig, file, err)
	}

	out := make([]model.Descriptor, 0, len(raw.Datasets))
	seen := make(map[string]bool, len(raw.Datasets))
	for i, rd := range raw.Datasets {
		d, err := rd.descriptor()
		if err != nil {
			return nil, fmt.Errorf("%w: dataset #%d in %s: %v", ErrInvalidConfig, i+1, file, err)
		}
		if seen[d.Label()] {
			return nil, fmt.Errorf("%w: dataset %s declared twice in %s", ErrInvalidConfig, d.Label(), file)
		}
		seen[d.Label()] = true
		out = append(out, d)
	}
	return out, nil
}

func (rd rawDataset) descriptor() (model.Descriptor, error) {
	name := strings.TrimSpace(rd.Name)
	pattern := strings.TrimSpace(rd.Pattern)
	switch {
	case name == "" && pattern == "":
		return nil, fmt.Errorf("one of name or pattern is required")
	case name != "" && pattern != "":
		return nil, fmt.Errorf("name and pattern are mutually exclusive (%s, %s)", name, pattern)
	}
	if rd.Compression == nil {
		return nil, fmt.Errorf("compression is required")
	}
	if rd.Incremental == nil {
		return nil, fmt.Errorf("incremental is required")
	}

	ttl, err := rd.ttl()
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(rd.Source)
	if source != "" && !IsExternalURL(source) {
		return nil, fmt.Errorf("source %q is not an http(s) URL", source)
	}
	if source != "" && pattern != "" {
		return nil, fmt.Errorf("source is only supported on named datasets")
	}
	sel := strings.TrimSpace(rd.Select)
	if sel != "" {
		if source == "" {
			return nil, fmt.Errorf("select requires a source")
		}
		if _, err := jp.ParseString(sel); err != nil {
			return nil, fmt.Errorf("bad select %q: %v", sel, err)
		}
	}

	rules := model.Settings{
		TTL:         ttl,
		Compression: *rd.Compression,
		Incremental: *rd.Incremental,
		Source:      source,
		Select:      sel,
	}
	var d model.Descriptor
	if name != "" {
		d = model.NamedDescriptor{Name: name, Rules: rules}
	} else {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %v", pattern, err)
		}
		d = model.PatternDescriptor{Pattern: pattern, Rules: rules}
	}
	if err := model.Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (rd rawDataset) ttl() (time.Duration, error) {
	switch {
	case rd.TTLMillis != nil && strings.TrimSpace(rd.TTL) != "":
		return 0, fmt.Errorf("ttlMillis and ttl are mutually exclusive")
	case rd.TTLMillis != nil:
		return time.Duration(*rd.TTLMillis) * time.Millisecond, nil
	case strings.TrimSpace(rd.TTL) != "":
		d, err := time.ParseDuration(strings.TrimSpace(rd.TTL))
		if err != nil {
			return 0, fmt.Errorf("parse ttl %q: %v", rd.TTL, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("ttl is required (ttlMillis or ttl)")
	}
}

// Lookup finds the descriptor governing a file name relative to the data
// directory. Named descriptors win over patterns.
func Lookup(descriptors []model.Descriptor, name string) (model.Descriptor, bool) {
	name = path.Clean(strings.TrimSpace(name))
	for _, d := range descriptors {
		if nd, ok := d.(model.NamedDescriptor); ok && path.Clean(nd.Name) == name {
			return d, true
		}
	}
	for _, d := range descriptors {
		if pd, ok := d.(model.PatternDescriptor); ok {
			if matched, _ := path.Match(pd.Pattern, name); matched {
				return d, true
			}
		}
	}
	return nil, false
}
