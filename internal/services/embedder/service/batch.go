package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"repolens/internal/adapters/embedapi"
	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
	"repolens/internal/platform/metrics"
	"repolens/internal/platform/progress"

	embdomain "repolens/internal/services/embedder/domain"
	"repolens/internal/services/embedder/state"
)

const (
	// BatchChunk is the item count per submitted batch job
	BatchChunk = 25000

	// BatchParallel bounds concurrently open batch jobs
	BatchParallel = 3

	// DefaultPollInterval paces status polling
	DefaultPollInterval = 30 * time.Second

	// Retention: a settled batch's state entry is deleted when nearly
	// everything succeeded or the batch was trivially small; otherwise
	// the entry stays for inspection and manual retry
	retentionRate     = 0.99
	retentionMinItems = 50
)

// Batch drives the submit/poll/download lifecycle against the provider's
// asynchronous endpoint
type Batch struct {
	api    BatchAPI
	store  embdomain.VectorStore
	states *state.Store
	track  *progress.Tracker

	chunk    int
	parallel int
	poll     time.Duration
	sleep    func(context.Context, time.Duration) error

	log logger.Logger
}

// NewBatch builds the batch driver; zero chunk/parallel take the defaults
func NewBatch(api BatchAPI, store embdomain.VectorStore, states *state.Store, track *progress.Tracker, chunk, parallel int) *Batch {
	if chunk <= 0 {
		chunk = BatchChunk
	}
	if parallel <= 0 {
		parallel = BatchParallel
	}
	return &Batch{
		api:      api,
		store:    store,
		states:   states,
		track:    track,
		chunk:    chunk,
		parallel: parallel,
		poll:     DefaultPollInterval,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		log: *logger.Named("batch"),
	}
}

// Run submits items in chunks, at most parallel jobs in flight, and
// settles each one. The first hard error cancels the remaining jobs
func (b *Batch) Run(ctx context.Context, items []embdomain.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	for start := 0; start < len(items); start += b.chunk {
		end := min(start+b.chunk, len(items))
		chunk := items[start:end]
		g.Go(func() error { return b.runOne(gctx, chunk) })
	}
	return g.Wait()
}

// runOne walks one chunk through upload, create, poll and settle.
// State is persisted before the first poll so a killed process resumes
// the job instead of paying for it again
func (b *Batch) runOne(ctx context.Context, items []embdomain.Item) error {
	manifest := make([]embedapi.BatchItem, len(items))
	for i, it := range items {
		manifest[i] = embedapi.BatchItem{CustomID: it.ID, Text: it.Content}
	}
	fileID, err := b.api.UploadBatchInput(ctx, manifest)
	if err != nil {
		return err
	}
	batchID, err := b.api.CreateBatch(ctx, fileID)
	if err != nil {
		return err
	}
	if err := b.states.Put(batchID, items); err != nil {
		return err
	}
	b.log.Info().Str("batch", batchID).Int("items", len(items)).Msg("batch submitted")
	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	refs := make([]state.ItemRef, len(items))
	for i, it := range items {
		refs[i] = state.ItemRef{ID: it.ID, Repo: it.Repo, ContentHash: it.ContentHash}
	}
	return b.pollAndSettle(ctx, batchID, refs)
}

// pollAndSettle polls until a terminal state, then settles
func (b *Batch) pollAndSettle(ctx context.Context, batchID string, refs []state.ItemRef) error {
	for {
		st, err := b.api.GetBatchStatus(ctx, batchID)
		if err != nil {
			return err
		}
		switch {
		case st.Status == embedapi.BatchCompleted:
			return b.settle(ctx, batchID, st, refs)
		case embedapi.BatchTerminal(st.Status):
			// failed, expired or cancelled: the items were never embedded
			// and the state entry has nothing left to resume
			if err := b.states.Remove(batchID); err != nil {
				return err
			}
			return perr.Newf(perr.ErrorCodeBatchTerminal, "batch %s ended %s (%d/%d done, %d failed)",
				batchID, st.Status, st.Completed, st.Total, st.Failed)
		default:
			b.log.Info().Str("batch", batchID).Str("status", st.Status).
				Int("completed", st.Completed).Int("total", st.Total).Msg("batch polling")
			if err := b.sleep(ctx, b.poll); err != nil {
				return err
			}
		}
	}
}

// settle downloads results, upserts them and applies the retention rule
func (b *Batch) settle(ctx context.Context, batchID string, st embedapi.BatchStatus, refs []state.ItemRef) error {
	vectors, failed, usage, err := b.api.DownloadResults(ctx, st.OutputFileID)
	if err != nil {
		return err
	}

	items := make([]embdomain.Item, len(refs))
	for i, ref := range refs {
		items[i] = embdomain.Item{ID: ref.ID, Repo: ref.Repo, ContentHash: ref.ContentHash}
	}
	if err := b.store.UpsertItems(ctx, items, vectors); err != nil {
		return err
	}

	b.track.Add(len(vectors), usage.Tokens, usage.CostUSD)
	metrics.ItemsEmbedded.Add(float64(len(vectors)))
	metrics.Tokens.Add(float64(usage.Tokens))
	metrics.CostUSD.Add(usage.CostUSD)

	rate := 1.0
	if len(refs) > 0 {
		rate = float64(len(vectors)) / float64(len(refs))
	}
	b.log.Info().Str("batch", batchID).Int("ok", len(vectors)).Int("failed", len(failed)).
		Float64("rate", rate).Msg("batch settled")

	if rate >= retentionRate || len(refs) < retentionMinItems {
		return b.states.Remove(batchID)
	}
	b.log.Warn().Str("batch", batchID).Msg("state entry retained for retry")
	return nil
}

// Resume settles batches recorded by a previous process before any new
// work is submitted. Completed batches are downloaded and upserted,
// still-running ones are polled to completion under the same
// parallelism bound as Run, anything else is dropped
func (b *Batch) Resume(ctx context.Context) error {
	entries := b.states.Entries()
	if len(entries) == 0 {
		return nil
	}
	b.log.Info().Int("batches", len(entries)).Msg("resuming recorded batches")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	for batchID, entry := range entries {
		g.Go(func() error { return b.resumeOne(gctx, batchID, entry) })
	}
	return g.Wait()
}

func (b *Batch) resumeOne(ctx context.Context, batchID string, entry state.Entry) error {
	age := time.Since(entry.CreatedAt).Round(time.Minute)
	st, err := b.api.GetBatchStatus(ctx, batchID)
	if perr.IsCode(err, perr.ErrorCodeNotFound) {
		b.log.Warn().Str("batch", batchID).Dur("age", age).Msg("recorded batch unknown to provider, dropping")
		return b.states.Remove(batchID)
	}
	if err != nil {
		return err
	}

	b.log.Info().Str("batch", batchID).Str("status", st.Status).Dur("age", age).Msg("recorded batch found")
	switch st.Status {
	case embedapi.BatchCompleted:
		return b.settle(ctx, batchID, st, entry.Items)
	case embedapi.BatchValidating, embedapi.BatchInProgress:
		if err := b.pollAndSettle(ctx, batchID, entry.Items); err != nil {
			// a terminal failure on one resumed batch must not block
			// the rest of the run; the state entry is already gone
			if perr.IsCode(err, perr.ErrorCodeBatchTerminal) {
				b.log.Error().Err(err).Str("batch", batchID).Msg("resumed batch ended badly")
				return nil
			}
			return err
		}
		return nil
	default:
		return b.states.Remove(batchID)
	}
}
