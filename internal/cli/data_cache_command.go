package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sitecache/internal/datacache"
	"sitecache/internal/fetch"
	"sitecache/internal/linkpreview"
)

type dataCacheFlags struct {
	commonFlags
	fetchTimeout time.Duration
	skip         []string
}

func newDataCacheCommand() *cobra.Command {
	f := &dataCacheFlags{}
	cmd := &cobra.Command{
		Use:   "data-cache",
		Short: "Refresh and publish the site's cached JSON datasets",
		Long: "data-cache checks every configured dataset against the cache manifest,\n" +
			"re-downloads stale datasets that declare a source and republishes them.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDataCache(cmd, f)
		},
	}
	f.bind(cmd)
	fs := cmd.Flags()
	fs.DurationVar(&f.fetchTimeout, "fetch-timeout", datacache.DefaultFetchTimeout, "per-dataset download timeout")
	fs.StringSliceVar(&f.skip, "skip", []string{linkpreview.DefaultDataset}, "dataset files owned by other commands")
	return cmd
}

func runDataCache(cmd *cobra.Command, f *dataCacheFlags) error {
	log := f.logger(cmd)

	descs, err := loadDescriptors(f.datasetsPath, true)
	if err != nil {
		return err
	}
	w, err := f.newWriter(log)
	if err != nil {
		return err
	}

	opts := datacache.Options{
		Descriptors:  descs,
		CacheDir:     f.cacheDir,
		Writer:       w,
		Fetcher:      fetch.NewClient(fetch.Config{Timeout: f.fetchTimeout, RateLimit: f.rate}),
		Skip:         f.skip,
		Initial:      f.initial,
		ChunkSize:    f.chunkSize,
		Pause:        f.pause,
		FetchTimeout: f.fetchTimeout,
		Log:          log,
	}

	var view *progressView
	if f.showProgress() {
		view = startProgress(cmd.OutOrStdout(), "data cache")
		opts.Progress = view.Report
	}
	sum, runErr := datacache.Run(cmd.Context(), opts)
	if view != nil {
		view.Stop()
	}
	if sum.RunID == "" {
		return runErr
	}

	if f.jsonOut {
		if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintln(cmd.OutOrStdout(), renderDataSummary(sum)); err != nil {
		return err
	}
	return runErr
}
