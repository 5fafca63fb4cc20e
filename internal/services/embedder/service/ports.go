// Package service drives the embed pipeline: the realtime worker pool,
// the async batch lifecycle and the outer orchestration across corpus
// chunks
package service

import (
	"context"

	"repolens/internal/adapters/embedapi"
	"repolens/internal/adapters/qdrant"

	embdomain "repolens/internal/services/embedder/domain"
)

// RealtimeAPI is what the realtime driver needs from the provider client
type RealtimeAPI interface {
	EmbedRealtime(ctx context.Context, texts []string) ([][]float32, embedapi.Usage, error)
	Provider() embedapi.Provider
}

// BatchAPI is what the batch driver needs from the provider client
type BatchAPI interface {
	UploadBatchInput(ctx context.Context, items []embedapi.BatchItem) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (string, error)
	GetBatchStatus(ctx context.Context, batchID string) (embedapi.BatchStatus, error)
	DownloadResults(ctx context.Context, fileID string) (map[string][]float32, []embedapi.BatchFailure, embedapi.Usage, error)
	Provider() embedapi.Provider
}

// Store adapts the qdrant client to the pipeline's vector-store port
type Store struct {
	q *qdrant.Client
}

// NewStore wraps a qdrant client
func NewStore(q *qdrant.Client) *Store { return &Store{q: q} }

// ExistingIDs passes through the paginated ID scroll
func (s *Store) ExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.q.ExistingIDs(ctx)
}

// UpsertItems writes one point per item that has a vector; items the
// provider failed are simply absent from vectors and are skipped here
func (s *Store) UpsertItems(ctx context.Context, items []embdomain.Item, vectors map[string][]float32) error {
	points := make([]qdrant.Point, 0, len(items))
	for _, it := range items {
		v, ok := vectors[it.ID]
		if !ok {
			continue
		}
		points = append(points, qdrant.Point{
			ID:      it.ID,
			Vector:  v,
			Payload: qdrant.Payload{RepoName: it.Repo, ContentHash: it.ContentHash},
		})
	}
	if len(points) == 0 {
		return nil
	}
	return s.q.Upsert(ctx, points)
}
