// Package ghapi is the hosting-API fallback for repos whose README
// lives on neither master nor main: one call resolves the default
// branch's README without naming the branch
package ghapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
)

const (
	baseURLDefault    = "https://api.github.com"
	defaultUA         = "repolens-fetch"
	defaultTimeout    = 20 * time.Second
	defaultMaxRetries = 3
)

// Options configures the Client. Token is optional; without one the API
// rate limit is severe, but the call still works
type Options struct {
	BaseURL    string
	Token      string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
}

// Client fetches default-branch READMEs through the repos API
type Client struct {
	opts Options
	http *http.Client

	log   logger.Logger
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a Client with sane defaults
func NewClient(o Options) *Client {
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
	return &Client{
		opts:  o,
		http:  &http.Client{Timeout: o.Timeout},
		log:   *logger.Named("ghapi"),
		sleep: sleepCtx,
	}
}

type readmeResp struct {
	Name     string `json:"name"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FetchReadme resolves the default-branch README for owner/repo.
//
// Any HTTP status is terminal for the caller to classify; transient
// statuses back off 2^attempt seconds and retry first. The body comes
// back base64-wrapped and is decoded here
func (c *Client) FetchReadme(ctx context.Context, owner, repo string) (string, []byte, int, error) {
	url := c.opts.BaseURL + "/repos/" + owner + "/" + repo + "/readme"

	lastStatus := 0
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", nil, 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", nil, 0, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "ghapi new request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if perr.Canceled(err) || ctx.Err() != nil {
				return "", nil, 0, ctx.Err()
			}
			c.log.Debug().Str("repo", owner+"/"+repo).Int("attempt", attempt).Err(err).Msg("ghapi transport error")
			lastStatus = 0
			continue
		}

		if resp.StatusCode == http.StatusOK {
			raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			_ = resp.Body.Close()
			if rerr != nil {
				lastStatus = 0
				continue
			}
			var out readmeResp
			if err := json.Unmarshal(raw, &out); err != nil {
				return "", nil, 0, perr.Wrapf(err, perr.ErrorCodeJSON, "ghapi readme decode")
			}
			body, err := decodeContent(out)
			if err != nil {
				return "", nil, 0, err
			}
			return out.Name, body, http.StatusOK, nil
		}

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if !perr.TransientStatus(resp.StatusCode) {
			return "", nil, resp.StatusCode, nil
		}

		lastStatus = resp.StatusCode
		back := time.Duration(1<<uint(attempt)) * time.Second
		c.log.Debug().Str("repo", owner+"/"+repo).Int("status", resp.StatusCode).Dur("retry_in", back).Msg("ghapi transient status backing off")
		if err := c.sleep(ctx, back); err != nil {
			return "", nil, 0, err
		}
	}
	return "", nil, lastStatus, nil
}

// decodeContent unwraps the API's base64 payload (newline-chunked)
func decodeContent(r readmeResp) ([]byte, error) {
	if r.Encoding != "base64" {
		return []byte(r.Content), nil
	}
	body, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(r.Content, "\n", ""))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "ghapi content decode")
	}
	return body, nil
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
