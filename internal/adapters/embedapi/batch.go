package embedapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	perr "repolens/internal/platform/errors"
)

// Batch lifecycle states as reported by the provider; observed, not authored
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
	BatchCancelled  = "cancelled"
)

// BatchTerminal reports whether a state ends the batch lifecycle
func BatchTerminal(status string) bool {
	switch status {
	case BatchCompleted, BatchFailed, BatchExpired, BatchCancelled:
		return true
	}
	return false
}

// BatchItem is one line of a batch input manifest
type BatchItem struct {
	CustomID string
	Text     string
}

// BatchStatus is a snapshot of one provider batch job
type BatchStatus struct {
	ID           string
	Status       string
	Completed    int
	Total        int
	Failed       int
	OutputFileID string
	ErrorFileID  string
}

// BatchFailure is one item the provider could not embed
type BatchFailure struct {
	CustomID string
	Message  string
}

type manifestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// UploadBatchInput builds the NDJSON manifest for items and uploads it,
// returning the provider file ID
func (c *Client) UploadBatchInput(ctx context.Context, items []BatchItem) (string, error) {
	var manifest bytes.Buffer
	enc := json.NewEncoder(&manifest)
	for _, it := range items {
		body, err := json.Marshal(map[string]any{
			"model":      c.provider.Model,
			"input":      it.Text,
			"dimensions": c.provider.Dimension,
		})
		if err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeJSON, "batch manifest body")
		}
		line := manifestLine{CustomID: it.CustomID, Method: http.MethodPost, URL: "/v1/embeddings", Body: body}
		if err := enc.Encode(&line); err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeJSON, "batch manifest line")
		}
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "batch form purpose")
	}
	part, err := mw.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "batch form file")
	}
	if _, err := part.Write(manifest.Bytes()); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "batch form write")
	}
	if err := mw.Close(); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "batch form close")
	}

	raw, err := c.doRetry(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), form.Bytes())
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeJSON, "file upload decode")
	}
	if out.ID == "" {
		return "", perr.Internalf("file upload returned empty id")
	}
	return out.ID, nil
}

// CreateBatch submits a batch job over an uploaded input file
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/embeddings",
		"completion_window": "24h",
	})
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeJSON, "create batch marshal")
	}
	raw, err := c.doRetry(ctx, http.MethodPost, "/v1/batches", "application/json", body)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeJSON, "create batch decode")
	}
	if out.ID == "" {
		return "", perr.Internalf("create batch returned empty id")
	}
	return out.ID, nil
}

// GetBatchStatus polls one batch job
func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	raw, err := c.doRetry(ctx, http.MethodGet, "/v1/batches/"+batchID, "", nil)
	if err != nil {
		return BatchStatus{}, err
	}
	var out struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		RequestCounts struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
		} `json:"request_counts"`
		OutputFileID string `json:"output_file_id"`
		ErrorFileID  string `json:"error_file_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return BatchStatus{}, perr.Wrapf(err, perr.ErrorCodeJSON, "batch status decode")
	}
	return BatchStatus{
		ID:           out.ID,
		Status:       out.Status,
		Completed:    out.RequestCounts.Completed,
		Total:        out.RequestCounts.Total,
		Failed:       out.RequestCounts.Failed,
		OutputFileID: out.OutputFileID,
		ErrorFileID:  out.ErrorFileID,
	}, nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
			Usage struct {
				PromptTokens int64 `json:"prompt_tokens"`
			} `json:"usage"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DownloadResults streams a completed batch output file (NDJSON) into a
// custom_id keyed embedding map plus the failed items.
// Result order is by ID, never by position, so provider reordering is safe
func (c *Client) DownloadResults(ctx context.Context, fileID string) (map[string][]float32, []BatchFailure, Usage, error) {
	url := c.provider.BaseURL + "/v1/files/" + fileID + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "download request")
	}
	req.Header.Set("Authorization", "Bearer "+c.nextKey())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "download results")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, Usage{}, perr.FromStatus(resp.StatusCode, "download results")
	}

	results := make(map[string][]float32)
	var failed []BatchFailure
	var usage Usage

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20) // embedding rows are wide
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return nil, nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeJSON, "result line decode")
		}
		switch {
		case rl.Error != nil:
			failed = append(failed, BatchFailure{CustomID: rl.CustomID, Message: rl.Error.Message})
		case rl.Response == nil || rl.Response.StatusCode != http.StatusOK || len(rl.Response.Body.Data) == 0:
			failed = append(failed, BatchFailure{CustomID: rl.CustomID, Message: "missing embedding in response"})
		default:
			results[rl.CustomID] = rl.Response.Body.Data[0].Embedding
			usage.Tokens += rl.Response.Body.Usage.PromptTokens
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, Usage{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "result stream")
	}
	usage.CostUSD = float64(usage.Tokens) / 1e6 * c.provider.PricePerMTok
	return results, failed, usage, nil
}
