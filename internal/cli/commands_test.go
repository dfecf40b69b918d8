package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sitecache/internal/catalog"
	"sitecache/internal/datacache"
	"sitecache/internal/linkpreview"
	"sitecache/internal/model"
	"sitecache/internal/runstore"
)

type workspace struct {
	root     string
	data     string
	publish  string
	cache    string
	datasets string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	t.Setenv("SITECACHE_S3_ENDPOINT", "")
	t.Setenv("SITECACHE_S3_BUCKET", "")
	root := t.TempDir()
	ws := workspace{
		root:     root,
		data:     filepath.Join(root, "src", "_data"),
		publish:  filepath.Join(root, "_site", "data"),
		cache:    filepath.Join(root, ".cache"),
		datasets: filepath.Join(root, "datasets.yaml"),
	}
	if err := os.MkdirAll(ws.data, 0o755); err != nil {
		t.Fatal(err)
	}
	return ws
}

func (ws workspace) args(extra ...string) []string {
	base := []string{
		"--data-dir", ws.data,
		"--publish-dir", ws.publish,
		"--cache-dir", ws.cache,
		"--datasets", ws.datasets,
		"--pause", "0s",
		"--json",
	}
	return append(base, extra...)
}

func runCommand(t *testing.T, name string, args []string) (string, string, error) {
	t.Helper()
	cmd := newDataCacheCommand()
	if name == "link-previews" {
		cmd = newLinkPreviewsCommand()
	}
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestDataCacheCommandPublishesThenReportsCached(t *testing.T) {
	ws := newWorkspace(t)
	config := "datasets:\n" +
		"  - name: projects.json\n    ttlMillis: 3600000\n    compression: true\n    incremental: true\n" +
		"  - name: link-previews.json\n    ttlMillis: 3600000\n"
	if err := os.WriteFile(ws.datasets, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	var rows []string
	for i := 0; i < 40; i++ {
		rows = append(rows, fmt.Sprintf(`  {"id": %d, "archived": null}`, i))
	}
	payload := "[\n" + strings.Join(rows, ",\n") + "\n]\n"
	if err := os.WriteFile(filepath.Join(ws.data, "projects.json"), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.data, "link-previews.json"), []byte("[]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCommand(t, "data-cache", ws.args())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	var first datacache.Summary
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if first.Processed != 1 || first.Updated != 1 {
		t.Fatalf("expected one updated dataset (link previews skipped), got %+v", first)
	}
	published, err := os.ReadFile(filepath.Join(ws.publish, "projects.json"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(published, []byte("null")) || len(published) >= len(payload) {
		t.Fatalf("expected compacted publish copy, got %d bytes", len(published))
	}

	out, _, err = runCommand(t, "data-cache", ws.args())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	var second datacache.Summary
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatal(err)
	}
	if second.Cached != 1 || second.ManifestSaved {
		t.Fatalf("expected cached dataset and untouched manifest, got %+v", second)
	}
}

func TestDataCacheCommandRequiresDatasetConfig(t *testing.T) {
	ws := newWorkspace(t)
	_, _, err := runCommand(t, "data-cache", ws.args())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing config error, got %v", err)
	}

	if err := os.WriteFile(ws.datasets, []byte("datasets: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = runCommand(t, "data-cache", ws.args())
	if !errors.Is(err, catalog.ErrInvalidConfig) {
		t.Fatalf("expected invalid config for empty dataset list, got %v", err)
	}
}

func TestDataCacheCommandRejectsArguments(t *testing.T) {
	ws := newWorkspace(t)
	if _, _, err := runCommand(t, "data-cache", ws.args("extra")); err == nil {
		t.Fatal("expected positional arguments to be rejected")
	}
}

func TestLinkPreviewsCommandFetchesCatalogLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><meta property="og:title" content="Page %s"></head></html>`, r.URL.Path)
	}))
	defer srv.Close()

	ws := newWorkspace(t)
	catalogPath := filepath.Join(ws.root, "links.yaml")
	links := "links:\n" +
		"  - name: alpha\n    url: " + srv.URL + "/alpha\n" +
		"  - name: local\n    url: /about\n"
	if err := os.WriteFile(catalogPath, []byte(links), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCommand(t, "link-previews", ws.args("--catalog", catalogPath, "--no-screenshots"))
	if err != nil {
		t.Fatalf("link-previews failed: %v", err)
	}
	var sum linkpreview.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if sum.CatalogItems != 1 || sum.Ineligible != 1 || sum.Updated != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	var records []model.CacheRecord
	if err := runstore.ReadJSON(filepath.Join(ws.data, linkpreview.DefaultDataset), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Metadata == nil || records[0].Metadata.Title != "Page /alpha" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Screenshot != nil {
		t.Fatal("expected no screenshot with --no-screenshots")
	}
}

func TestLinkPreviewsCommandExplicitBrowserMustExist(t *testing.T) {
	ws := newWorkspace(t)
	catalogPath := filepath.Join(ws.root, "links.yaml")
	if err := os.WriteFile(catalogPath, []byte("links: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := runCommand(t, "link-previews", ws.args("--catalog", catalogPath, "--browser", filepath.Join(ws.root, "no-such-browser")))
	if err == nil {
		t.Fatal("expected missing browser error")
	}
}
