// Package store persists fetch outcomes: README files and error markers.
//
// The filename is the sole authority for (owner, repo, branch, filename);
// an empty file under .errors/<bucket>/<owner>_<repo> is the durable
// record of a permanent failure
package store

import (
	"os"
	"path/filepath"
	"sync"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
	"repolens/internal/platform/metrics"

	"repolens/internal/services/fetch/domain"
)

// ErrNameTooLong marks repos whose canonical filename would exceed
// filesystem limits; such repos are skipped, not markered
var ErrNameTooLong = perr.InvalidArgf("readme filename exceeds %d bytes", domain.MaxNameLen)

// BucketOK is the summary key for successful fetches
const BucketOK = "ok"

// Store is the durable outcome sink rooted at the README directory
type Store struct {
	readmeDir string
	errorsDir string
	parallel  bool

	mu      sync.Mutex
	buckets map[string]bool // bucket dirs already created
	success map[string]bool // slug -> done (primary mode preload)
	errored map[string]bool
	known   []string // bucket names discovered at startup (parallel probes)
	counts  map[string]int

	log logger.Logger
}

// New opens (and creates) the README directory tree.
//
// Primary mode preloads the existing success and error sets into memory.
// Parallel mode skips the preload and probes the filesystem per repo so
// sibling instances see each other's progress
func New(readmeDir string, parallel bool) (*Store, error) {
	s := &Store{
		readmeDir: readmeDir,
		errorsDir: filepath.Join(readmeDir, ".errors"),
		parallel:  parallel,
		buckets:   map[string]bool{},
		success:   map[string]bool{},
		errored:   map[string]bool{},
		counts:    map[string]int{},
		log:       *logger.Named("readme-store"),
	}
	if err := os.MkdirAll(s.errorsDir, 0o755); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeState, "create readme dirs")
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan loads existing outcomes (primary) or just bucket names (parallel)
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.errorsDir)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "scan error buckets")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s.known = append(s.known, e.Name())
		s.buckets[e.Name()] = true
		if s.parallel {
			continue
		}
		marks, err := os.ReadDir(filepath.Join(s.errorsDir, e.Name()))
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeState, "scan bucket %s", e.Name())
		}
		for _, m := range marks {
			s.errored[m.Name()] = true
		}
	}

	if s.parallel {
		return nil
	}
	files, err := os.ReadDir(s.readmeDir)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "scan readme dir")
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || name[0] == '.' {
			continue
		}
		repo, err := domain.ParseName(name)
		if err != nil {
			s.log.Warn().Str("file", name).Msg("unparseable readme filename in corpus")
			continue
		}
		s.success[repo.Slug()] = true
	}
	s.log.Info().Int("success", len(s.success)).Int("errored", len(s.errored)).Msg("existing outcomes loaded")
	return nil
}

// Done reports whether the repo already has a durable outcome
func (s *Store) Done(repo domain.Repo) bool {
	slug := repo.Slug()
	if !s.parallel {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.success[slug] || s.errored[slug]
	}

	// Parallel instances probe the filesystem so sibling processes are
	// visible. Branch coverage here assumes master/main, like the
	// preloadless path it mirrors
	for _, branch := range domain.Branches {
		if _, err := os.Stat(filepath.Join(s.readmeDir, domain.BuildName(repo, branch, "README.md"))); err == nil {
			return true
		}
	}
	s.mu.Lock()
	known := s.known
	s.mu.Unlock()
	for _, bucket := range known {
		if _, err := os.Stat(filepath.Join(s.errorsDir, bucket, slug)); err == nil {
			return true
		}
	}
	return false
}

// WriteSuccess persists README bytes atomically under the canonical name
func (s *Store) WriteSuccess(repo domain.Repo, branch, filename string, content []byte) error {
	name := domain.BuildName(repo, branch, filename)
	if len(name) > domain.MaxNameLen {
		return ErrNameTooLong
	}
	path := filepath.Join(s.readmeDir, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "write readme %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return perr.Wrapf(err, perr.ErrorCodeState, "rename readme %s", name)
	}

	s.mu.Lock()
	s.success[repo.Slug()] = true
	s.counts[BucketOK]++
	s.mu.Unlock()
	metrics.FetchOutcomes.WithLabelValues(BucketOK).Inc()
	return nil
}

// WriteMarker records a permanent failure bucket for the repo.
// Bucket directories are created lazily, once per bucket per process
func (s *Store) WriteMarker(repo domain.Repo, bucket string) error {
	s.mu.Lock()
	needMkdir := !s.buckets[bucket]
	if needMkdir {
		s.buckets[bucket] = true
		s.known = append(s.known, bucket)
	}
	s.mu.Unlock()

	dir := filepath.Join(s.errorsDir, bucket)
	if needMkdir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeState, "create bucket %s", bucket)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, repo.Slug()), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeState, "write marker %s/%s", bucket, repo.Slug())
	}
	_ = f.Close()

	s.mu.Lock()
	s.errored[repo.Slug()] = true
	s.counts[bucket]++
	s.mu.Unlock()
	metrics.FetchOutcomes.WithLabelValues(bucket).Inc()
	return nil
}

// Summary returns per-bucket outcome counts for this run
func (s *Store) Summary() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Dir returns the README directory (the item loader walks it)
func (s *Store) Dir() string { return s.readmeDir }
