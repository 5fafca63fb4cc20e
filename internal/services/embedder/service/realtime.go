package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
	"repolens/internal/platform/metrics"
	"repolens/internal/platform/progress"

	"repolens/internal/services/embedder/buffer"
	embdomain "repolens/internal/services/embedder/domain"
)

const (
	// DefaultWorkers saturates the realtime endpoint without tripping
	// provider-side rate limits
	DefaultWorkers = 48

	// BatchSize caps items per provider call
	BatchSize = 64

	// MaxBatchChars caps the summed content size per provider call;
	// whichever limit fires first closes the sub-batch
	MaxBatchChars = 120000
)

// Realtime fans the buffered items out over a fixed worker pool
type Realtime struct {
	api     RealtimeAPI
	store   embdomain.VectorStore
	track   *progress.Tracker
	workers int
	log     logger.Logger
}

// NewRealtime builds the realtime driver; workers <= 0 takes the default
func NewRealtime(api RealtimeAPI, store embdomain.VectorStore, track *progress.Tracker, workers int) *Realtime {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Realtime{
		api:     api,
		store:   store,
		track:   track,
		workers: workers,
		log:     *logger.Named("realtime"),
	}
}

// Run consumes buf until it is drained and finished. Every sub-batch is
// upserted before the next provider call, so progress is durable at
// sub-batch granularity; a budget error cancels the remaining workers
// and surfaces to the caller
func (r *Realtime) Run(ctx context.Context, buf *buffer.Buffer) error {
	g, gctx := errgroup.WithContext(ctx)

	// a dead group must not leave siblings blocked inside Pull
	go func() {
		<-gctx.Done()
		buf.Finish()
	}()

	for w := 0; w < r.workers; w++ {
		g.Go(func() error { return r.worker(gctx, buf) })
	}
	return g.Wait()
}

func (r *Realtime) worker(ctx context.Context, buf *buffer.Buffer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := buf.Pull(BatchSize)
		if batch == nil {
			return nil
		}
		for _, sub := range packBatches(batch, BatchSize, MaxBatchChars) {
			if err := r.embedOne(ctx, sub); err != nil {
				return err
			}
		}
	}
}

func (r *Realtime) embedOne(ctx context.Context, sub []embdomain.Item) error {
	texts := make([]string, len(sub))
	for i, it := range sub {
		texts[i] = it.Content
	}
	vecs, usage, err := r.api.EmbedRealtime(ctx, texts)
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeBudgetExhausted) {
			r.log.Warn().Int("pending", len(sub)).Msg("provider budget exhausted, stopping workers")
		}
		return err
	}

	vectors := make(map[string][]float32, len(sub))
	for i, it := range sub {
		vectors[it.ID] = vecs[i]
	}
	if err := r.store.UpsertItems(ctx, sub, vectors); err != nil {
		return err
	}

	r.track.Add(len(sub), usage.Tokens, usage.CostUSD)
	metrics.ItemsEmbedded.Add(float64(len(sub)))
	metrics.Tokens.Add(float64(usage.Tokens))
	metrics.CostUSD.Add(usage.CostUSD)
	r.log.Debug().Msg(r.track.Snap().String())
	return nil
}

// packBatches splits items into provider-call sized sub-batches bounded
// by count and by summed content bytes. An oversized single item still
// travels alone; the provider enforces its own input cap
func packBatches(items []embdomain.Item, maxCount, maxChars int) [][]embdomain.Item {
	var out [][]embdomain.Item
	var cur []embdomain.Item
	chars := 0
	for _, it := range items {
		if len(cur) > 0 && (len(cur) >= maxCount || chars+len(it.Content) > maxChars) {
			out = append(out, cur)
			cur, chars = nil, 0
		}
		cur = append(cur, it)
		chars += len(it.Content)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
