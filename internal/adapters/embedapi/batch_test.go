package embedapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBatchAPI emulates the provider's file + batch endpoints
type fakeBatchAPI struct {
	mu      sync.Mutex
	files   map[string][]byte // fileID -> content
	batches map[string]string // batchID -> inputFileID
	status  string
	nextID  int
}

func newFakeBatchAPI() *fakeBatchAPI {
	return &fakeBatchAPI{files: map[string][]byte{}, batches: map[string]string{}, status: BatchInProgress}
}

func (f *fakeBatchAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.FormValue("purpose"); got != "batch" {
			t.Errorf("purpose = %q", got)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content, _ := io.ReadAll(file)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("file-%d", f.nextID)
		f.files[id] = content
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	mux.HandleFunc("POST /v1/batches", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InputFileID      string `json:"input_file_id"`
			Endpoint         string `json:"endpoint"`
			CompletionWindow string `json:"completion_window"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Endpoint != "/v1/embeddings" || req.CompletionWindow != "24h" {
			t.Errorf("batch req = %+v", req)
		}
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("batch-%d", f.nextID)
		f.batches[id] = req.InputFileID
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": BatchValidating})
	})

	mux.HandleFunc("GET /v1/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		inputID, ok := f.batches[id]
		status := f.status
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		total := f.countLines(inputID)
		resp := map[string]any{
			"id":     id,
			"status": status,
			"request_counts": map[string]int{
				"total": total, "completed": total, "failed": 0,
			},
		}
		if status == BatchCompleted {
			// materialize an output file from the manifest on first completed poll
			resp["output_file_id"] = f.ensureOutput(inputID)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /v1/files/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		content, ok := f.files[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(content)
	})

	return mux
}

func (f *fakeBatchAPI) countLines(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Count(f.files[fileID], []byte("\n"))
}

// ensureOutput converts a manifest into a result file: every custom_id gets
// a fixed embedding, except ids containing "fail" which error out
func (f *fakeBatchAPI) ensureOutput(inputFileID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	outID := "out-" + inputFileID
	if _, ok := f.files[outID]; ok {
		return outID
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(f.files[inputFileID]))
	for sc.Scan() {
		var line manifestLine
		_ = json.Unmarshal(sc.Bytes(), &line)
		if strings.Contains(line.CustomID, "fail") {
			_, _ = fmt.Fprintf(&out, `{"custom_id":%q,"error":{"message":"boom"}}`+"\n", line.CustomID)
			continue
		}
		_, _ = fmt.Fprintf(&out,
			`{"custom_id":%q,"response":{"status_code":200,"body":{"data":[{"embedding":[0.5,0.5]}],"usage":{"prompt_tokens":10}}}}`+"\n",
			line.CustomID)
	}
	f.files[outID] = out.Bytes()
	return outID
}

func newBatchClient(t *testing.T) (*Client, *fakeBatchAPI) {
	t.Helper()
	fake := newFakeBatchAPI()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	p := testProvider(srv.URL, ShapeOpenAI)
	p.Batch = true
	c, err := NewClient(p, []string{"k1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, fake
}

func TestBatchLifecycle(t *testing.T) {
	t.Parallel()

	c, fake := newBatchClient(t)
	ctx := context.Background()

	items := []BatchItem{
		{CustomID: "id-1", Text: "one"},
		{CustomID: "id-2", Text: "two"},
		{CustomID: "id-fail", Text: "three"},
	}

	fileID, err := c.UploadBatchInput(ctx, items)
	if err != nil {
		t.Fatalf("UploadBatchInput: %v", err)
	}

	batchID, err := c.CreateBatch(ctx, fileID)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	st, err := c.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatalf("GetBatchStatus: %v", err)
	}
	if st.Status != BatchInProgress || st.Total != 3 {
		t.Fatalf("status = %+v", st)
	}
	if BatchTerminal(st.Status) {
		t.Fatalf("in_progress must not be terminal")
	}

	fake.mu.Lock()
	fake.status = BatchCompleted
	fake.mu.Unlock()

	st, err = c.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatalf("GetBatchStatus: %v", err)
	}
	if !BatchTerminal(st.Status) || st.OutputFileID == "" {
		t.Fatalf("completed status = %+v", st)
	}

	results, failed, usage, err := c.DownloadResults(ctx, st.OutputFileID)
	if err != nil {
		t.Fatalf("DownloadResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if len(failed) != 1 || failed[0].CustomID != "id-fail" {
		t.Fatalf("failed = %+v", failed)
	}
	if usage.Tokens != 20 {
		t.Fatalf("tokens = %d, want 20", usage.Tokens)
	}
	if _, ok := results["id-1"]; !ok {
		t.Fatalf("missing id-1 in %v", results)
	}
}

func TestBatchManifestShape(t *testing.T) {
	t.Parallel()

	c, fake := newBatchClient(t)
	fileID, err := c.UploadBatchInput(context.Background(), []BatchItem{{CustomID: "x", Text: "hello"}})
	if err != nil {
		t.Fatalf("UploadBatchInput: %v", err)
	}

	fake.mu.Lock()
	content := fake.files[fileID]
	fake.mu.Unlock()

	var line manifestLine
	if err := json.Unmarshal(bytes.TrimSpace(content), &line); err != nil {
		t.Fatalf("manifest line: %v", err)
	}
	if line.CustomID != "x" || line.Method != "POST" || line.URL != "/v1/embeddings" {
		t.Fatalf("line = %+v", line)
	}
	var body struct {
		Model      string `json:"model"`
		Input      string `json:"input"`
		Dimensions int    `json:"dimensions"`
	}
	if err := json.Unmarshal(line.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Model != "test-model" || body.Input != "hello" || body.Dimensions != 4 {
		t.Fatalf("body = %+v", body)
	}
}
