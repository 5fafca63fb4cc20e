// Package qdrant is a minimal REST adapter for the vector store.
//
// It covers exactly what the pipeline needs: collection bootstrap with a
// keyword payload index, a paginated scroll of existing point IDs, and
// chunked upserts that do not wait for server-side indexing
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
)

const (
	defaultTimeout = 60 * time.Second
	defaultRetries = 3

	// upsertChunk is the store-side payload limit per upsert call
	upsertChunk = 100

	// scrollPage is the page size for the existing-ID scan
	scrollPage = 1000
)

// Options configures the Client
type Options struct {
	BaseURL    string
	Collection string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// Point is one vector with its payload
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Payload carries the only metadata stored alongside a vector.
// Full content stays out of the store; the hash locates it externally
type Payload struct {
	RepoName    string `json:"repo_name"`
	ContentHash string `json:"content_hash"`
}

// Client talks to one collection of a Qdrant instance
type Client struct {
	http  *http.Client
	opts  Options
	log   logger.Logger
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a Client with sane defaults
func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultRetries
	}
	return &Client{
		http: &http.Client{Timeout: o.Timeout},
		opts: o,
		log:  *logger.Named("qdrant"),
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
	}
}

// do issues one JSON request with retry on transient statuses
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeJSON, "qdrant marshal %s", path)
		}
	}

	url := c.opts.BaseURL + path
	var last error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "qdrant new request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			last = perr.Wrapf(err, perr.ErrorCodeUnavailable, "qdrant %s %s", method, path)
		} else {
			b, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
			_ = resp.Body.Close()
			if rerr != nil {
				last = perr.Wrapf(rerr, perr.ErrorCodeUnavailable, "qdrant read %s", path)
			} else if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
				if out != nil {
					if err := json.Unmarshal(b, out); err != nil {
						return perr.Wrapf(err, perr.ErrorCodeJSON, "qdrant decode %s", path)
					}
				}
				return nil
			} else if resp.StatusCode == http.StatusNotFound {
				return perr.NotFoundf("qdrant %s %s: %s", method, path, trim(b))
			} else if perr.TransientStatus(resp.StatusCode) {
				last = perr.Unavailablef("qdrant %s %s: status %d", method, path, resp.StatusCode)
			} else {
				return perr.Newf(perr.ErrorCodeUnknown, "qdrant %s %s: status %d body %s", method, path, resp.StatusCode, trim(b))
			}
		}
		if attempt < c.opts.MaxRetries-1 {
			if err := c.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); err != nil {
				return err
			}
		}
	}
	return last
}

func trim(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}

// EnsureCollection creates the collection (cosine distance, configured
// dimension) and its repo_name keyword index when absent.
// Failure here is fatal for the run
func (c *Client) EnsureCollection(ctx context.Context) error {
	path := "/collections/" + c.opts.Collection

	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return nil
	}
	if !perr.IsCode(err, perr.ErrorCodeNotFound) {
		return perr.Wrap(err, perr.ErrorCodeState, "qdrant get collection")
	}

	create := map[string]any{
		"vectors": map[string]any{"size": c.opts.Dimension, "distance": "Cosine"},
	}
	if err := c.do(ctx, http.MethodPut, path, create, nil); err != nil {
		return perr.Wrap(err, perr.ErrorCodeState, "qdrant create collection")
	}

	index := map[string]any{"field_name": "repo_name", "field_schema": "keyword"}
	if err := c.do(ctx, http.MethodPut, path+"/index", index, nil); err != nil {
		return perr.Wrap(err, perr.ErrorCodeState, "qdrant create payload index")
	}
	c.log.Info().Str("collection", c.opts.Collection).Int("dim", c.opts.Dimension).Msg("collection created")
	return nil
}

type scrollReq struct {
	Limit       int  `json:"limit"`
	WithPayload bool `json:"with_payload"`
	WithVector  bool `json:"with_vector"`
	Offset      any  `json:"offset,omitempty"`
}

type scrollResp struct {
	Result struct {
		Points []struct {
			ID string `json:"id"`
		} `json:"points"`
		NextPageOffset any `json:"next_page_offset"`
	} `json:"result"`
}

// ExistingIDs scans all point IDs via paginated scroll, payload and
// vectors omitted
func (c *Client) ExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	path := "/collections/" + c.opts.Collection + "/points/scroll"
	ids := make(map[string]struct{})
	var offset any
	for {
		var out scrollResp
		req := scrollReq{Limit: scrollPage, Offset: offset}
		if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
			return nil, err
		}
		for _, p := range out.Result.Points {
			ids[p.ID] = struct{}{}
		}
		if out.Result.NextPageOffset == nil || len(out.Result.Points) == 0 {
			return ids, nil
		}
		offset = out.Result.NextPageOffset
	}
}

// Upsert writes points in chunks of at most 100, wait=false
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	path := "/collections/" + c.opts.Collection + "/points?wait=false"
	for i := 0; i < len(points); i += upsertChunk {
		end := min(i+upsertChunk, len(points))
		body := map[string]any{"points": points[i:end]}
		if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
			return perr.WithOp(err, fmt.Sprintf("upsert[%d:%d]", i, end))
		}
	}
	return nil
}

// Count returns the number of points in the collection (diagnostics)
func (c *Client) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := "/collections/" + c.opts.Collection + "/points/count"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"exact": true}, &out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}
