package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sitecache/internal/catalog"
	"sitecache/internal/chunk"
	"sitecache/internal/model"
	"sitecache/internal/runstore"
	"sitecache/internal/writer"
)

const (
	DefaultCacheDir   = ".cache/sitecache"
	DefaultDataDir    = "src/_data"
	DefaultPublishDir = "_site/data"

	mirrorStateFile = "mirror-state.json"
)

// RunLinkPreviews is the link-previews binary.
func RunLinkPreviews(args []string) error {
	return execute(newLinkPreviewsCommand(), args)
}

// RunDataCache is the data-cache binary.
func RunDataCache(args []string) error {
	return execute(newDataCacheCommand(), args)
}

func execute(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// commonFlags are shared by both binaries.
type commonFlags struct {
	initial          bool
	cacheDir         string
	dataDir          string
	publishDir       string
	datasetsPath     string
	compactThreshold int
	chunkSize        int
	pause            time.Duration
	rate             float64
	progress         bool
	jsonOut          bool
	verbose          bool
	logJSON          bool
}

func (f *commonFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.BoolVar(&f.initial, "initial", false, "reprocess every item, ignoring the manifest")
	fs.StringVar(&f.cacheDir, "cache-dir", DefaultCacheDir, "cache directory holding the manifest and lock")
	fs.StringVar(&f.dataDir, "data-dir", DefaultDataDir, "directory holding the pretty dataset files")
	fs.StringVar(&f.publishDir, "publish-dir", DefaultPublishDir, "directory receiving the published copies")
	fs.StringVar(&f.datasetsPath, "datasets", catalog.DefaultDatasetsPath, "dataset configuration file")
	fs.IntVar(&f.compactThreshold, "compact-threshold", 0, "minimum size in bytes before a published copy is compacted (0 = default)")
	fs.IntVar(&f.chunkSize, "chunk-size", chunk.DefaultChunkSize, "items processed concurrently per chunk")
	fs.DurationVar(&f.pause, "pause", chunk.DefaultPause, "pause between chunks")
	fs.Float64Var(&f.rate, "rate", 0, "outbound requests per second (0 = default)")
	fs.BoolVar(&f.progress, "progress", true, "show live progress when stdout is a terminal")
	fs.BoolVar(&f.jsonOut, "json", false, "print JSON output")
	fs.BoolVar(&f.verbose, "verbose", false, "log per-item detail")
	fs.BoolVar(&f.logJSON, "log-json", false, "write logs as JSON lines")
}

func (f *commonFlags) logger(cmd *cobra.Command) zerolog.Logger {
	return newLogger(cmd.ErrOrStderr(), f.verbose, f.logJSON)
}

func (f *commonFlags) showProgress() bool {
	return f.progress && !f.jsonOut && stdoutIsTTY()
}

// newWriter wires the bucket mirror when SITECACHE_S3_* is configured.
func (f *commonFlags) newWriter(log zerolog.Logger) (*writer.Writer, error) {
	cfg := writer.Config{
		DataDir:          f.dataDir,
		PublishDir:       f.publishDir,
		CompactThreshold: f.compactThreshold,
		Log:              log,
	}
	mcfg, ok, err := writer.MirrorConfigFromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if ok {
		m, err := writer.NewBucketMirror(mcfg)
		if err != nil {
			return nil, err
		}
		cfg.Mirror = m
		cfg.MirrorStatePath = filepath.Join(f.cacheDir, mirrorStateFile)
		log.Info().Str("endpoint", mcfg.Endpoint).Str("bucket", mcfg.Bucket).Msg("mirroring published datasets")
	}
	return writer.New(cfg), nil
}

// loadDescriptors reads the dataset configuration. A missing optional file
// yields no descriptors.
func loadDescriptors(path string, required bool) ([]model.Descriptor, error) {
	if !required && !runstore.FileExists(path) {
		return nil, nil
	}
	descs, err := catalog.LoadDatasets(path)
	if err != nil {
		return nil, err
	}
	if required && len(descs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no datasets", catalog.ErrInvalidConfig, path)
	}
	return descs, nil
}
