package embedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	perr "repolens/internal/platform/errors"
	"repolens/internal/platform/logger"
)

const (
	defaultTimeout = 120 * time.Second

	// realtimeRetries is the attempt budget for 5xx/429 on realtime calls
	realtimeRetries = 10

	// retryStep and retryCap shape the linear backoff: attempt n sleeps
	// n*retryStep capped at retryCap
	retryStep = 2 * time.Second
	retryCap  = 20 * time.Second
)

// Client drives one provider with a rotating key set
type Client struct {
	http     *http.Client
	provider Provider
	keys     []string
	cur      atomic.Int32
	log      logger.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewClient creates a Client; at least one API key is required
func NewClient(p Provider, keys []string) (*Client, error) {
	if len(keys) == 0 {
		return nil, perr.InvalidArgf("provider %s: no API keys configured", p.Name)
	}
	return &Client{
		http:     &http.Client{Timeout: defaultTimeout},
		provider: p,
		keys:     keys,
		log:      *logger.Named("embedapi"),
		sleep:    sleepCtx,
	}, nil
}

// Provider returns the configured provider
func (c *Client) Provider() Provider { return c.provider }

// nextKey returns the next API key in a round robin rotation
func (c *Client) nextKey() string {
	n := int(c.cur.Add(1))
	return c.keys[n%len(c.keys)]
}

// EmbedRealtime embeds texts in one provider call, returning vectors in
// input order plus billed usage.
//
// Retries 5xx and 429 up to the attempt budget with a linear backoff.
// A 402 maps to ErrorCodeBudgetExhausted and is terminal
func (c *Client) EmbedRealtime(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}

	var body []byte
	var path string
	var err error
	switch c.provider.Shape {
	case ShapeDeepInfra:
		path = "/v1/inference/" + c.provider.Model
		body, err = json.Marshal(map[string]any{
			"inputs":     texts,
			"normalize":  false,
			"dimensions": c.provider.Dimension,
		})
	default:
		path = "/v1/embeddings"
		body, err = json.Marshal(map[string]any{
			"model":      c.provider.Model,
			"input":      texts,
			"dimensions": c.provider.Dimension,
		})
	}
	if err != nil {
		return nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeJSON, "embed marshal")
	}

	raw, err := c.doRetry(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return nil, Usage{}, err
	}

	switch c.provider.Shape {
	case ShapeDeepInfra:
		var out struct {
			Embeddings      [][]float32 `json:"embeddings"`
			InputTokens     int64       `json:"input_tokens"`
			InferenceStatus struct {
				Cost float64 `json:"cost"`
			} `json:"inference_status"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeJSON, "deepinfra decode")
		}
		if len(out.Embeddings) != len(texts) {
			return nil, Usage{}, perr.Internalf("deepinfra returned %d embeddings for %d inputs", len(out.Embeddings), len(texts))
		}
		return out.Embeddings, Usage{Tokens: out.InputTokens, CostUSD: out.InferenceStatus.Cost}, nil

	default:
		var out struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			} `json:"data"`
			Usage struct {
				PromptTokens int64 `json:"prompt_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeJSON, "embeddings decode")
		}
		if len(out.Data) != len(texts) {
			return nil, Usage{}, perr.Internalf("provider returned %d embeddings for %d inputs", len(out.Data), len(texts))
		}
		// order by index, not position
		vecs := make([][]float32, len(texts))
		for _, d := range out.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return nil, Usage{}, perr.Internalf("embedding index %d out of range", d.Index)
			}
			vecs[d.Index] = d.Embedding
		}
		u := Usage{Tokens: out.Usage.PromptTokens}
		u.CostUSD = float64(u.Tokens) / 1e6 * c.provider.PricePerMTok
		return vecs, u, nil
	}
}

// doRetry issues one request with key rotation and the realtime retry policy
func (c *Client) doRetry(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	url := c.provider.BaseURL + path
	var last error
	for attempt := 1; attempt <= realtimeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "embedapi new request")
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "Bearer "+c.nextKey())

		resp, err := c.http.Do(req)
		if err != nil {
			last = perr.Wrapf(err, perr.ErrorCodeUnavailable, "embedapi %s", path)
		} else {
			raw, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			switch {
			case rerr != nil:
				last = perr.Wrapf(rerr, perr.ErrorCodeUnavailable, "embedapi read %s", path)
			case resp.StatusCode == http.StatusOK:
				return raw, nil
			case resp.StatusCode == http.StatusPaymentRequired:
				return nil, perr.Budgetf("provider %s: payment required", c.provider.Name)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				last = perr.Unavailablef("embedapi %s: status %d", path, resp.StatusCode)
			default:
				return nil, perr.Newf(perr.ErrorCodeUnknown, "embedapi %s: status %d body %s", path, resp.StatusCode, trimBody(raw))
			}
		}
		if attempt < realtimeRetries {
			back := min(time.Duration(attempt)*retryStep, retryCap)
			c.log.Warn().Str("path", path).Int("attempt", attempt).Dur("retry_in", back).Err(last).Msg("embed retrying")
			if err := c.sleep(ctx, back); err != nil {
				return nil, err
			}
		}
	}
	return nil, last
}

func trimBody(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
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
