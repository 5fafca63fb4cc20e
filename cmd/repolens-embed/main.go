// Command repolens-embed turns the fetched README corpus into vectors:
// realtime worker pool or async batch jobs, depending on the provider
package main

import (
	"context"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"repolens/internal/adapters/embedapi"
	"repolens/internal/adapters/qdrant"
	"repolens/internal/platform/config"
	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
	"repolens/internal/platform/metrics"
	"repolens/internal/platform/progress"

	"repolens/internal/services/embedder/service"
	"repolens/internal/services/embedder/state"
)

func main() {
	var (
		fProvider = flag.String("provider", "deepinfra", "embedding provider: deepinfra|nebius|nebius-batch")
		fKeys     = flag.Int("keys", 1, "number of API keys to rotate (KEY, KEY_1, ...)")
		fChunk    = flag.Int("chunk", 0, "items per async batch job")
		fParallel = flag.Int("parallel", 0, "async batch jobs in flight")
		fWorkers  = flag.Int("workers", 0, "realtime worker count")
		fRealtime = flag.Bool("realtime", false, "force realtime mode even for a batch provider")
		fDryRun   = flag.Bool("dry-run", false, "price the remaining corpus and exit")
	)
	flag.Parse()

	logger.Init(logger.FromEnv())
	log := logger.Get()

	provider, err := embedapi.ProviderByName(*fProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("bad --provider")
	}

	root := config.New()
	dataDir := root.MayString("DATA_DIR", "./data")
	readmesDir := root.MayString("READMES_DIR", filepath.Join(dataDir, "readmes"))
	metrics.Serve(root.MayString("METRICS_ADDR", ""))

	ctx := context.Background()
	q := qdrant.NewClient(qdrant.Options{
		BaseURL:    root.MustURL("QDRANT_URL").String(),
		Collection: root.MayString("QDRANT_COLLECTION", "readmes"),
		Dimension:  provider.Dimension,
	})
	if err := q.EnsureCollection(ctx); err != nil {
		log.Fatal().Err(err).Msg("qdrant collection bootstrap failed")
	}
	store := service.NewStore(q)
	track := progress.New("embed", 0)

	var rt *service.Realtime
	var bt *service.Batch
	if !*fDryRun {
		keyEnv := "NEBIUS_API_KEY"
		if provider.Name == "deepinfra" {
			keyEnv = "DEEPINFRA_API_KEY"
		}
		keys := root.MayIndexed(keyEnv, *fKeys)
		api, err := embedapi.NewClient(provider, keys)
		if err != nil {
			log.Fatal().Err(err).Msg("provider client init failed")
		}

		if provider.Batch && !*fRealtime {
			states, err := state.Open(filepath.Join(dataDir, "batch-state.json"))
			if err != nil {
				log.Fatal().Err(err).Msg("batch state open failed")
			}
			bt = service.NewBatch(api, store, states, track, *fChunk, *fParallel)
		} else {
			rt = service.NewRealtime(api, store, track, *fWorkers)
		}
	}

	o := service.NewOrchestrator(readmesDir, store, rt, bt, provider, *fDryRun)
	err = o.Run(ctx)
	log.Info().Msg(track.Snap().String())

	switch {
	case err == nil:
	case perr.IsCode(err, perr.ErrorCodeBudgetExhausted):
		// everything upserted so far is durable; rerun continues cleanly
		log.Warn().Err(err).Msg("provider budget exhausted, stopping")
		os.Exit(0)
	default:
		log.Fatal().Err(err).Msg("embed run failed")
	}
}
