package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"repolens/internal/adapters/embedapi"
	"repolens/internal/platform/logger"

	"repolens/internal/services/embedder/buffer"
	embdomain "repolens/internal/services/embedder/domain"
	"repolens/internal/services/embedder/loader"
)

// bufferCap bounds loader lead over the realtime workers
const bufferCap = 5000

// Orchestrator walks the README corpus in outer chunks and hands the
// surviving items to one of the two drivers
type Orchestrator struct {
	ReadmeDir string
	Store     embdomain.VectorStore
	Realtime  *Realtime // exactly one of Realtime/Batch is set
	Batch     *Batch
	Provider  embedapi.Provider

	// DryRun prices the remaining corpus without touching the provider
	DryRun bool

	log logger.Logger
}

// NewOrchestrator wires the outer loop
func NewOrchestrator(dir string, store embdomain.VectorStore, rt *Realtime, bt *Batch, p embedapi.Provider, dryRun bool) *Orchestrator {
	return &Orchestrator{
		ReadmeDir: dir,
		Store:     store,
		Realtime:  rt,
		Batch:     bt,
		Provider:  p,
		DryRun:    dryRun,
		log:       *logger.Named("embed"),
	}
}

// Run embeds everything in the corpus that the vector store does not
// already hold. Batch mode resumes recorded jobs before submitting new
// ones, so the existing-ID scan below already sees their vectors
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.Batch != nil && !o.DryRun {
		if err := o.Batch.Resume(ctx); err != nil {
			return err
		}
	}

	names, err := loader.ListReadmes(o.ReadmeDir)
	if err != nil {
		return err
	}
	existing, err := o.Store.ExistingIDs(ctx)
	if err != nil {
		return err
	}
	o.log.Info().Int("files", len(names)).Int("indexed", len(existing)).Msg("corpus scanned")

	if o.DryRun {
		return o.estimate(ctx, names, existing)
	}
	if o.Batch != nil {
		return o.runBatch(ctx, names, existing)
	}
	return o.runRealtime(ctx, names, existing)
}

// outerChunk sizes the filename slices fed to the loader: enough to keep
// every parallel batch job full twice over
func (o *Orchestrator) outerChunk() int {
	if o.Batch != nil {
		return o.Batch.chunk * o.Batch.parallel * 2
	}
	return BatchSize * DefaultWorkers * 4
}

func (o *Orchestrator) runBatch(ctx context.Context, names []string, existing map[string]struct{}) error {
	chunk := o.outerChunk()
	for start := 0; start < len(names); start += chunk {
		end := min(start+chunk, len(names))
		items, err := loader.Load(ctx, o.ReadmeDir, names[start:end], existing)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			continue
		}
		if err := o.Batch.Run(ctx, items); err != nil {
			return err
		}
		// duplicate content in later chunks must not be paid for again
		for _, it := range items {
			existing[it.ID] = struct{}{}
		}
	}
	return nil
}

func (o *Orchestrator) runRealtime(ctx context.Context, names []string, existing map[string]struct{}) error {
	buf := buffer.New(bufferCap)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer buf.Finish()
		chunk := o.outerChunk()
		for start := 0; start < len(names); start += chunk {
			if err := gctx.Err(); err != nil {
				return err
			}
			end := min(start+chunk, len(names))
			items, err := loader.Load(gctx, o.ReadmeDir, names[start:end], existing)
			if err != nil {
				return err
			}
			for _, it := range items {
				existing[it.ID] = struct{}{}
			}
			if !buf.Push(items) {
				return nil // consumers shut down early
			}
		}
		return nil
	})
	g.Go(func() error { return o.Realtime.Run(gctx, buf) })
	return g.Wait()
}

// estimate prices what a real run would embed, by actual character count
func (o *Orchestrator) estimate(ctx context.Context, names []string, existing map[string]struct{}) error {
	chunk := o.outerChunk()
	var items64, chars int64
	for start := 0; start < len(names); start += chunk {
		end := min(start+chunk, len(names))
		items, err := loader.Load(ctx, o.ReadmeDir, names[start:end], existing)
		if err != nil {
			return err
		}
		for _, it := range items {
			existing[it.ID] = struct{}{}
			chars += int64(len(it.Content))
		}
		items64 += int64(len(items))
	}
	tokens, usd := o.Provider.EstimateCost(chars)
	o.log.Info().Int64("items", items64).Int64("chars", chars).Int64("tokens_est", tokens).
		Float64("usd_est", usd).Str("provider", o.Provider.Name).Msg("dry run estimate")
	return nil
}
