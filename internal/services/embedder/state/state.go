// Package state persists in-flight batch jobs so a killed process can
// resume polling instead of paying for the batch twice.
//
// One JSON file, rewritten whole on every mutation. Coarse, but
// mutations happen once per batch transition, not per item
package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	perr "repolens/internal/platform/errors"

	embdomain "repolens/internal/services/embedder/domain"
)

// ItemRef is what survives a restart: identity and attribution, never
// content (25k items of content would dwarf the rest of the file)
type ItemRef struct {
	ID          string `json:"id"`
	Repo        string `json:"repo"`
	ContentHash string `json:"contentHash"`
}

// Entry records one submitted batch
type Entry struct {
	Items     []ItemRef `json:"items"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the batch-state file
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry

	now func() time.Time
}

// Open loads the state file, tolerating absence
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}, now: time.Now}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "read batch state %s", path)
	}
	if err := json.Unmarshal(raw, &s.entries); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "decode batch state %s", path)
	}
	return s, nil
}

// Put records a batch before polling begins and flushes to disk
func (s *Store) Put(batchID string, items []embdomain.Item) error {
	refs := make([]ItemRef, len(items))
	for i, it := range items {
		refs[i] = ItemRef{ID: it.ID, Repo: it.Repo, ContentHash: it.ContentHash}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[batchID] = Entry{Items: refs, CreatedAt: s.now().UTC()}
	return s.flush()
}

// Remove drops a settled batch and flushes to disk. Removing an unknown
// id is a no-op
func (s *Store) Remove(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[batchID]; !ok {
		return nil
	}
	delete(s.entries, batchID)
	return s.flush()
}

// Entries returns a snapshot of all recorded batches
func (s *Store) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Len reports the number of recorded batches
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// flush rewrites the whole file atomically; callers hold s.mu
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "encode batch state")
	}
	tmp := s.path + ".part"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "write batch state")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return perr.Wrapf(err, perr.ErrorCodeState, "rename batch state")
	}
	return nil
}
