// Package service runs the fetch engine: high-concurrency candidate
// resolution over the README search space with durable outcomes
package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"

	"repolens/internal/services/fetch/domain"
	"repolens/internal/services/fetch/store"
)

// Config bounds the engine
type Config struct {
	// Concurrency is the live fetch goroutine cap across the whole run
	Concurrency int `validate:"gte=1,lte=10000"`
}

// DefaultConcurrency saturates a proxied crawl without exhausting fds
const DefaultConcurrency = 1200

// Service wires the work source, the fetcher and the outcome store
type Service struct {
	cfg     Config
	src     domain.WorkSource
	fetcher domain.Fetcher
	files   domain.FileStore

	// OnRepo, when set, fires once per repo after its outcome is durable
	// (or the repo was skipped). The fetch CLI hangs a progress bar on it
	OnRepo func()

	// API, when set, is tried once per repo after every raw candidate
	// 404'd; it resolves READMEs living on a non-master/main branch
	API domain.APIFetcher

	log logger.Logger
}

// New validates the config and builds a Service
func New(cfg Config, src domain.WorkSource, fetcher domain.Fetcher, files domain.FileStore) (*Service, error) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeValidation, "fetch config")
	}
	return &Service{
		cfg:     cfg,
		src:     src,
		fetcher: fetcher,
		files:   files,
		log:     *logger.Named("fetch"),
	}, nil
}

// Run drains the work source. Each batch fans out under the concurrency
// semaphore and the cursor commits only after the whole batch settled,
// so a crash re-processes at most one batch of already-durable outcomes
func (s *Service) Run(ctx context.Context) error {
	sem := make(chan struct{}, s.cfg.Concurrency)

	for {
		batch, err := s.src.Next(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		s.log.Info().Int("origins", len(batch)).Int64("first_id", batch[0].ID).Msg("batch dispatched")

		var wg sync.WaitGroup
		for _, origin := range batch {
			if err := ctx.Err(); err != nil {
				wg.Wait()
				return err
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(o domain.Origin) {
				defer wg.Done()
				defer func() { <-sem }()
				s.processOne(ctx, o)
				if s.OnRepo != nil {
					s.OnRepo()
				}
			}(origin)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.src.Commit(ctx, batch[len(batch)-1].ID); err != nil {
			return err
		}
	}
}

// processOne resolves the candidate space for a single origin and writes
// exactly one durable outcome (or nothing when the repo is already done).
// Errors short of cancellation never abort the run; the repo simply gets
// no outcome this pass and is retried on the next one
func (s *Service) processOne(ctx context.Context, o domain.Origin) {
	repo, ok := domain.ParseOrigin(o.URL)
	if !ok {
		s.log.Debug().Str("url", o.URL).Msg("unparseable origin, skipping")
		return
	}
	if s.files.Done(repo) {
		return
	}

	ctx = logger.WithRepo(ctx, repo.Full())

	// name-major sweep: both branches are tried for README.md before any
	// lower-priority filename, so the best name wins across branches
	notFound := 0
	for _, name := range domain.ReadmeNames {
		for _, branch := range domain.Branches {
			if ctx.Err() != nil {
				return
			}
			path := fmt.Sprintf("/%s/%s/%s/%s", repo.Owner, repo.Name, branch, name)
			status, body, err := s.fetcher.Fetch(ctx, path)
			if err != nil {
				if !perr.Canceled(err) {
					s.log.Warn().Err(err).Str("path", path).Msg("fetch error, repo deferred")
				}
				return
			}

			switch {
			case status == 200 && len(body) >= domain.MinSize:
				s.writeSuccess(ctx, repo, branch, name, body)
				return
			case status == 200:
				s.writeMarker(ctx, repo, domain.BucketTooSmall)
				return
			case status == 404:
				notFound++
				continue
			case status == 451:
				s.writeMarker(ctx, repo, "451")
				return
			case status == 0:
				s.writeMarker(ctx, repo, domain.BucketNetwork)
				return
			default:
				s.writeMarker(ctx, repo, strconv.Itoa(status))
				return
			}
		}
	}

	if s.apiFallback(ctx, repo) {
		return
	}

	// every candidate 404'd; the count distinguishes partial sweeps from
	// full ones when branches or filenames change between corpus runs
	s.writeMarker(ctx, repo, fmt.Sprintf("404_%d", notFound))
}

// apiFallback asks the hosting API for the default-branch README once
// the raw sweep came up empty. Reports whether it settled the repo
func (s *Service) apiFallback(ctx context.Context, repo domain.Repo) bool {
	if s.API == nil {
		return false
	}
	name, body, status, err := s.API.FetchReadme(ctx, repo.Owner, repo.Name)
	if err != nil {
		if !perr.Canceled(err) {
			logger.C(ctx).Warn().Err(err).Msg("api fallback error, repo deferred")
		}
		return true
	}
	switch {
	case status == 200 && len(body) >= domain.MinSize:
		s.writeSuccess(ctx, repo, domain.BranchDefault, name, body)
		return true
	case status == 200:
		s.writeMarker(ctx, repo, domain.BucketTooSmall)
		return true
	default:
		// 404 and everything else falls through to the counted marker
		return false
	}
}

func (s *Service) writeSuccess(ctx context.Context, repo domain.Repo, branch, name string, body []byte) {
	if len(body) > domain.MaxChars {
		// cut on a rune boundary so truncated multibyte content stays
		// valid UTF-8
		cut := domain.MaxChars
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = append(body[:cut:cut], []byte(domain.TruncMarker)...)
	}
	err := s.files.WriteSuccess(repo, branch, name, body)
	if err == store.ErrNameTooLong {
		logger.C(ctx).Debug().Msg("filename too long, repo skipped")
		return
	}
	if err != nil {
		logger.C(ctx).Error().Err(err).Msg("readme write failed")
	}
}

func (s *Service) writeMarker(ctx context.Context, repo domain.Repo, bucket string) {
	if err := s.files.WriteMarker(repo, bucket); err != nil {
		logger.C(ctx).Error().Err(err).Str("bucket", bucket).Msg("marker write failed")
	}
}
