// Package rawhost fetches raw README candidates from GitHub's raw file
// hosting through the proxy rotation pool
package rawhost

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"

	"repolens/internal/adapters/proxy"
)

const (
	baseURLDefault      = "https://raw.githubusercontent.com"
	defaultUA           = "repolens-fetch"
	defaultTimeout      = 20 * time.Second
	defaultMaxRetries   = 5
	defaultMaxBodyBytes = 1 << 20 // README bytes past 1 MiB are never useful after truncation
)

// Options configures the Client
type Options struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	MaxBodyBytes int64
}

// Result is the terminal outcome of one candidate fetch.
// Status 0 means the request never produced an HTTP response
type Result struct {
	Status int
	Body   []byte
}

// Client issues candidate GETs with per-attempt proxy rotation.
// A nil or empty pool degrades to direct requests
type Client struct {
	opts Options
	pool *proxy.Pool

	mu      sync.Mutex
	direct  *http.Client
	clients []*http.Client // lazily built, indexed by proxy ID

	log   logger.Logger
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a Client with sane defaults
func NewClient(o Options, pool *proxy.Pool) *Client {
	if o.BaseURL == "" {
		o.BaseURL = baseURLDefault
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	n := 0
	if pool != nil {
		n = pool.Len()
	}
	return &Client{
		opts:    o,
		pool:    pool,
		direct:  &http.Client{Timeout: o.Timeout},
		clients: make([]*http.Client, n),
		log:     *logger.Named("rawhost"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// clientFor returns (and caches) the http.Client bound to one proxy
func (c *Client) clientFor(p proxy.Proxy) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc := c.clients[p.ID]; hc != nil {
		return hc
	}
	hc := &http.Client{
		Timeout: c.opts.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(p.URL),
			MaxIdleConnsPerHost: 4,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	c.clients[p.ID] = hc
	return hc
}

// Get fetches one candidate path (e.g. /owner/repo/master/README.md).
//
// Any HTTP response is a terminal Result for the caller to classify.
// Transient statuses (429, 500, 502, 503, 504) sleep 2^attempt seconds and
// retry; network failures rotate to a fresh proxy immediately, since the
// EMA penalty already encodes the wait. When retries run out the last
// transient status (or 0 for pure network failure) is returned
func (c *Client) Get(ctx context.Context, path string) (Result, error) {
	url := c.opts.BaseURL + path

	lastStatus := 0
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Result{}, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "rawhost new request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)

		hc := c.direct
		px, viaProxy := proxy.Proxy{ID: -1}, false
		if c.pool != nil {
			if px, viaProxy = c.pool.Pick(); viaProxy {
				hc = c.clientFor(px)
			}
		}

		start := c.now()
		resp, err := hc.Do(req)
		lat := c.now().Sub(start)

		if err != nil {
			if perr.Canceled(err) || ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if viaProxy {
				c.pool.Fail(px.ID)
			}
			c.log.Debug().Str("path", path).Int("attempt", attempt).Err(err).Msg("rawhost transport error, rotating proxy")
			lastStatus = 0
			continue
		}
		if viaProxy {
			c.pool.Observe(px.ID, lat)
		}

		if resp.StatusCode == http.StatusOK {
			body, rerr := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
			_ = resp.Body.Close()
			if rerr != nil {
				if viaProxy {
					c.pool.Fail(px.ID)
				}
				lastStatus = 0
				continue
			}
			return Result{Status: http.StatusOK, Body: body}, nil
		}

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if !perr.TransientStatus(resp.StatusCode) {
			return Result{Status: resp.StatusCode}, nil
		}

		lastStatus = resp.StatusCode
		back := time.Duration(1<<uint(attempt)) * time.Second
		c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("retry_in", back).Msg("rawhost transient status backing off")
		if err := c.sleep(ctx, back); err != nil {
			return Result{}, err
		}
	}
	return Result{Status: lastStatus}, nil
}

// Fetch adapts Get to the fetch domain port shape
func (c *Client) Fetch(ctx context.Context, path string) (int, []byte, error) {
	res, err := c.Get(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	return res.Status, res.Body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
