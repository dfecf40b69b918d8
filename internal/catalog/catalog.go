// Package catalog loads the static site configuration the pipelines run
// against: the link catalog and the dataset descriptors.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"sitecache/internal/model"
)

const (
	DefaultCatalogPath  = "src/_data/links.yaml"
	DefaultDatasetsPath = "src/_data/datasets.yaml"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type rawCatalog struct {
	Links  []rawLink  `yaml:"links"`
	Groups []rawGroup `yaml:"groups"`
}

type rawGroup struct {
	Name  string    `yaml:"name"`
	Type  string    `yaml:"type"`
	Links []rawLink `yaml:"links"`
}

type rawLink struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Type  string `yaml:"type"`
	Group string `yaml:"group"`
}

// Catalog is the eligible item list plus what was filtered out.
type Catalog struct {
	Items      []model.Item
	Ineligible []string
	Duplicates []string
}

func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var raw rawCatalog
	if err := decodeStrict(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("%w: parse catalog %s: %v", ErrInvalidConfig, path, err)
	}
	return buildCatalog(raw), nil
}

func buildCatalog(raw rawCatalog) Catalog {
	links := make([]rawLink, 0, len(raw.Links))
	links = append(links, raw.Links...)
	for _, g := range raw.Groups {
		for _, l := range g.Links {
			if strings.TrimSpace(l.Group) == "" {
				l.Group = g.Name
			}
			if strings.TrimSpace(l.Type) == "" {
				l.Type = g.Type
			}
			links = append(links, l)
		}
	}

	var c Catalog
	seenIDs := make(map[string]string, len(links))
	for _, l := range links {
		rawURL := strings.TrimSpace(l.URL)
		if !IsExternalURL(rawURL) {
			c.Ineligible = append(c.Ineligible, firstNonEmpty(strings.TrimSpace(l.Name), rawURL))
			continue
		}
		normURL := NormalizeURL(rawURL)

		id := sanitizeID(firstNonEmpty(l.ID, l.Name))
		if id == "" {
			id = sanitizeID(hostAndPath(normURL))
		}
		if prevURL, taken := seenIDs[id]; taken {
			if prevURL == normURL {
				c.Duplicates = append(c.Duplicates, id)
				continue
			}
			id = id + "-" + shortHash(normURL)
			if _, taken := seenIDs[id]; taken {
				c.Duplicates = append(c.Duplicates, id)
				continue
			}
		}
		seenIDs[id] = normURL

		c.Items = append(c.Items, model.Item{
			ID:    id,
			URL:   rawURL,
			Name:  strings.TrimSpace(l.Name),
			Type:  firstNonEmpty(strings.TrimSpace(l.Type), "link"),
			Group: strings.TrimSpace(l.Group),
		})
	}
	return c
}

// IsExternalURL accepts absolute http(s) URLs with a host.
func IsExternalURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	if strings.HasSuffix(u.Path, "/") && u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

var invalidIDChars = regexp.MustCompile(`[^a-z0-9]+`)

func sanitizeID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = invalidIDChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func hostAndPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host + u.Path
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
