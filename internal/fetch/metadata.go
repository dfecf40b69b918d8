package fetch

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ohler55/ojg/oj"

	"sitecache/internal/model"
)

// Metadata fetches url and extracts preview metadata from its HTML head.
// Non-HTML responses yield metadata with only the content type filled in.
func (c *Client) Metadata(ctx context.Context, pageURL string) (model.Metadata, error) {
	resp, err := c.Get(ctx, pageURL, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	if err != nil {
		return model.Metadata{}, err
	}
	md := model.Metadata{
		ContentType: mediaType(resp.ContentType),
		StatusCode:  resp.StatusCode,
		FetchedAt:   time.Now().UTC(),
	}
	if md.ContentType != "" && md.ContentType != "text/html" && md.ContentType != "application/xhtml+xml" {
		return md, nil
	}
	if err := ParseHTMLMetadata(resp.Body, resp.URL, &md); err != nil {
		return model.Metadata{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return md, nil
}

// ParseHTMLMetadata fills title, description, image, site name and favicon
// from Open Graph / Twitter tags, falling back to plain HTML.
func ParseHTMLMetadata(body []byte, pageURL string, md *model.Metadata) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return err
	}
	meta := func(keys ...string) string {
		for _, k := range keys {
			sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, k, k)
			if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	md.Title = firstNonEmpty(meta("og:title", "twitter:title"), strings.TrimSpace(doc.Find("title").First().Text()))
	md.Description = meta("og:description", "twitter:description", "description")
	md.Image = resolve(pageURL, meta("og:image", "og:image:url", "twitter:image"))
	md.SiteName = meta("og:site_name", "application-name")

	var icon string
	doc.Find(`link[rel]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if strings.Contains(rel, "icon") {
			icon = s.AttrOr("href", "")
			return icon == ""
		}
		return true
	})
	if icon == "" {
		icon = "/favicon.ico"
	}
	md.Favicon = resolve(pageURL, icon)
	if md.SiteName == "" {
		if u, err := url.Parse(pageURL); err == nil {
			md.SiteName = strings.TrimPrefix(u.Hostname(), "www.")
		}
	}
	return nil
}

// Payload fetches a dataset source and checks it is JSON.
func (c *Client) Payload(ctx context.Context, sourceURL string) ([]byte, error) {
	resp, err := c.Get(ctx, sourceURL, "application/json")
	if err != nil {
		return nil, err
	}
	if _, err := oj.Parse(resp.Body); err != nil {
		return nil, fmt.Errorf("source %s returned invalid JSON: %w", sourceURL, err)
	}
	return resp.Body, nil
}

func resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
