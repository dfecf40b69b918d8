package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sitecache/internal/catalog"
	"sitecache/internal/fetch"
	"sitecache/internal/linkpreview"
	"sitecache/internal/orphans"
	"sitecache/internal/selector"
	"sitecache/internal/shot"
)

type linkPreviewFlags struct {
	commonFlags
	catalogPath       string
	dataset           string
	maxRefresh        int
	metadataTimeout   time.Duration
	screenshotTimeout time.Duration
	screenshotDir     string
	browser           string
	noScreenshots     bool
	retainOrphans     bool
	orphanArchive     string
}

func newLinkPreviewsCommand() *cobra.Command {
	f := &linkPreviewFlags{}
	cmd := &cobra.Command{
		Use:   "link-previews",
		Short: "Refresh link metadata and screenshots for the site's external links",
		Long: "link-previews fetches metadata and screenshots for new links plus a bounded\n" +
			"number of the least recently checked ones, then rewrites the link preview dataset.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLinkPreviews(cmd, f)
		},
	}
	f.bind(cmd)
	fs := cmd.Flags()
	fs.StringVar(&f.catalogPath, "catalog", catalog.DefaultCatalogPath, "link catalog file")
	fs.StringVar(&f.dataset, "dataset", linkpreview.DefaultDataset, "output dataset name under --data-dir")
	fs.IntVar(&f.maxRefresh, "max-refresh", selector.DefaultMaxRefresh, "max already-cached links refreshed per run")
	fs.DurationVar(&f.metadataTimeout, "metadata-timeout", linkpreview.DefaultMetadataTimeout, "per-link metadata fetch timeout")
	fs.DurationVar(&f.screenshotTimeout, "screenshot-timeout", linkpreview.DefaultScreenshotTimeout, "per-link screenshot timeout")
	fs.StringVar(&f.screenshotDir, "screenshot-dir", "", "screenshot output dir (default: <publish-dir>/screenshots)")
	fs.StringVar(&f.browser, "browser", "", "headless browser binary (default: first chromium/chrome on PATH)")
	fs.BoolVar(&f.noScreenshots, "no-screenshots", false, "skip screenshot capture")
	fs.BoolVar(&f.retainOrphans, "retain-orphans", false, "keep records for links removed from the catalog")
	fs.StringVar(&f.orphanArchive, "orphan-archive", "", "SQLite file recording purged records")
	return cmd
}

func runLinkPreviews(cmd *cobra.Command, f *linkPreviewFlags) error {
	ctx := cmd.Context()
	log := f.logger(cmd)

	descs, err := loadDescriptors(f.datasetsPath, false)
	if err != nil {
		return err
	}
	desc := linkpreview.DefaultDescriptor(f.dataset)
	if d, ok := catalog.Lookup(descs, f.dataset); ok {
		desc = d
	}
	w, err := f.newWriter(log)
	if err != nil {
		return err
	}

	opts := linkpreview.Options{
		CatalogPath:       f.catalogPath,
		Descriptor:        desc,
		CacheDir:          f.cacheDir,
		Writer:            w,
		Fetcher:           fetch.NewClient(fetch.Config{Timeout: f.metadataTimeout, RateLimit: f.rate}),
		Initial:           f.initial,
		MaxRefresh:        f.maxRefresh,
		ChunkSize:         f.chunkSize,
		Pause:             f.pause,
		MetadataTimeout:   f.metadataTimeout,
		ScreenshotTimeout: f.screenshotTimeout,
		RetainOrphans:     f.retainOrphans,
		Log:               log,
	}

	if !f.noScreenshots {
		c, err := shot.New(shot.Options{
			Browser: f.browser,
			OutDir:  firstNonEmpty(f.screenshotDir, filepath.Join(f.publishDir, "screenshots")),
			Timeout: f.screenshotTimeout,
		})
		switch {
		case err == nil:
			opts.Capturer = c
		case f.browser != "":
			return err
		default:
			log.Warn().Err(err).Msg("screenshots disabled")
		}
	}

	if f.orphanArchive != "" {
		a, err := orphans.Open(f.orphanArchive)
		if err != nil {
			return err
		}
		defer a.Close()
		opts.Archive = a
	}

	var view *progressView
	if f.showProgress() {
		view = startProgress(cmd.OutOrStdout(), "link previews")
		opts.Progress = view.Report
	}
	sum, err := linkpreview.Run(ctx, opts)
	if view != nil {
		view.Stop()
	}
	if err != nil {
		return err
	}

	if f.jsonOut {
		return printJSON(cmd.OutOrStdout(), sum)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderLinkSummary(sum))
	return err
}
