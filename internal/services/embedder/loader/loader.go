// Package loader turns the fetched README corpus into embed work items:
// parse the filename, hash the content, drop duplicates and anything the
// vector store already holds
package loader

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"

	embdomain "repolens/internal/services/embedder/domain"
	fetchdomain "repolens/internal/services/fetch/domain"
)

// FileReaders bounds concurrent README reads; disk-bound, so far fewer
// than the fetch concurrency
const FileReaders = 16

// ListReadmes returns the corpus filenames in stable order. Dotfiles and
// directories (the error-marker tree, the work db) are not corpus
func ListReadmes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "list readme dir")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the named files concurrently and returns items in input
// order, minus rejects: unparseable names, empty content, hashes already
// present in existing, and intra-chunk duplicates (first occurrence wins)
func Load(ctx context.Context, dir string, names []string, existing map[string]struct{}) ([]embdomain.Item, error) {
	log := logger.Named("loader")

	loaded := make([]*embdomain.Item, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(FileReaders)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			repo, err := fetchdomain.ParseName(name)
			if err != nil {
				log.Warn().Str("file", name).Msg("unparseable readme filename, skipped")
				return nil
			}
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return perr.Wrapf(err, perr.ErrorCodeState, "read readme %s", name)
			}
			item, err := embdomain.NewItem(repo.Full(), string(raw))
			if err != nil {
				log.Debug().Str("file", name).Msg("content rejected, skipped")
				return nil
			}
			loaded[i] = &item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var items []embdomain.Item
	var dupes, indexed int
	for _, it := range loaded {
		if it == nil {
			continue
		}
		if _, ok := existing[it.ID]; ok {
			indexed++
			continue
		}
		if seen[it.ID] {
			dupes++
			continue
		}
		seen[it.ID] = true
		items = append(items, *it)
	}
	log.Info().Int("files", len(names)).Int("items", len(items)).
		Int("already_indexed", indexed).Int("duplicates", dupes).Msg("chunk loaded")
	return items, nil
}
