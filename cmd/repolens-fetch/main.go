// Command repolens-fetch crawls READMEs for the origin archive slice it
// is given and records durable outcomes under the README directory
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"repolens/internal/adapters/ghapi"
	"repolens/internal/adapters/proxy"
	"repolens/internal/adapters/rawhost"
	"repolens/internal/platform/config"
	"repolens/internal/platform/logger"
	"repolens/internal/platform/metrics"

	"repolens/internal/services/fetch/service"
	"repolens/internal/services/fetch/source"
	"repolens/internal/services/fetch/store"
)

func main() {
	var (
		fLimit   = flag.Int64("limit", 0, "repos to take from the work table")
		fOffset  = flag.Int64("offset", 0, "work table offset; > 0 runs as a parallel instance")
		fFull    = flag.Bool("full", false, "ignore --limit and drain the whole work table")
		fMinDate = flag.String("min-date", "2015-01-01", "skip repos archived before this date (YYYY-MM-DD)")
		fProxies = flag.StringArray("proxies", nil, "proxy list file; repeat for multiple files")
		fVerbose = flag.Bool("verbose", false, "per-repo logging instead of a progress bar")
	)
	flag.Parse()

	if *fVerbose {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}
	logger.Init(logger.FromEnv())
	log := logger.Get()

	if !*fFull && *fLimit <= 0 {
		log.Fatal().Msg("need --limit or --full")
	}
	if *fOffset > 0 && *fLimit <= 0 {
		log.Fatal().Msg("--offset requires --limit")
	}

	root := config.New()
	dataDir := root.MayString("DATA_DIR", "./data")
	readmesDir := root.MayString("READMES_DIR", filepath.Join(dataDir, "readmes"))
	fetchCfg := root.Prefix("FETCH_")
	metrics.Serve(root.MayString("METRICS_ADDR", ""))

	pool, err := proxy.Load(*fProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("proxy load failed")
	}
	if pool.Len() == 0 {
		log.Warn().Msg("no proxies loaded, fetching directly")
	}

	files, err := store.New(readmesDir, *fOffset > 0)
	if err != nil {
		log.Fatal().Err(err).Msg("readme store open failed")
	}

	ctx := context.Background()
	src, err := source.Open(ctx, source.Options{
		DBPath:      filepath.Join(readmesDir, ".fetch-cache.duckdb"),
		ArchivePath: fetchCfg.MayString("ARCHIVE", filepath.Join(dataDir, "repos.parquet")),
		MinDate:     *fMinDate,
		Offset:      *fOffset,
		Limit:       *fLimit,
		Full:        *fFull,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("work source open failed")
	}
	defer func() { _ = src.Close() }()

	fetcher := rawhost.NewClient(rawhost.Options{
		Timeout:    fetchCfg.MayDuration("TIMEOUT", 0),
		MaxRetries: fetchCfg.MayInt("MAX_RETRIES", 0),
	}, pool)

	svc, err := service.New(service.Config{
		Concurrency: fetchCfg.MayInt("CONCURRENCY", 0),
	}, src, fetcher, files)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch service init failed")
	}
	token := root.MayString("GITHUB_TOKEN", "")
	svc.API = ghapi.NewClient(ghapi.Options{Token: token})
	if token == "" {
		log.Warn().Msg("GITHUB_TOKEN not set, api fallback will rate limit quickly")
	}

	if !*fVerbose {
		total := *fLimit
		if *fFull {
			total = -1 // spinner
		}
		bar := progressbar.Default(total, "fetching")
		svc.OnRepo = func() { _ = bar.Add(1) }
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("fetch run failed")
	}

	ev := log.Info()
	for bucket, n := range files.Summary() {
		ev = ev.Int(bucket, n)
	}
	ev.Msg("fetch run complete")
}
