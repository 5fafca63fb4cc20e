package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"repolens/internal/services/fetch/domain"
	"repolens/internal/services/fetch/store"
)

type fakeSource struct {
	batches   [][]domain.Origin
	committed []int64
}

func (f *fakeSource) Next(context.Context) ([]domain.Origin, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) Commit(_ context.Context, lastID int64) error {
	f.committed = append(f.committed, lastID)
	return nil
}

func (f *fakeSource) Close() error { return nil }

// fakeFetcher serves canned statuses by path; unlisted paths 404
type fakeFetcher struct {
	mu     sync.Mutex
	status map[string]int
	body   map[string][]byte
	calls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, path string) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if st, ok := f.status[path]; ok {
		return st, f.body[path], nil
	}
	return 404, nil, nil
}

type fakeFiles struct {
	mu      sync.Mutex
	done    map[string]bool
	files   map[string][]byte
	markers map[string]string // slug -> bucket
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{done: map[string]bool{}, files: map[string][]byte{}, markers: map[string]string{}}
}

func (f *fakeFiles) Done(r domain.Repo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[r.Slug()]
}

func (f *fakeFiles) WriteSuccess(r domain.Repo, branch, name string, content []byte) error {
	if len(domain.BuildName(r, branch, name)) > domain.MaxNameLen {
		return store.ErrNameTooLong
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[r.Slug()] = true
	f.files[domain.BuildName(r, branch, name)] = content
	return nil
}

func (f *fakeFiles) WriteMarker(r domain.Repo, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[r.Slug()] = true
	f.markers[r.Slug()] = bucket
	return nil
}

func run(t *testing.T, src *fakeSource, fetcher *fakeFetcher, files *fakeFiles) {
	t.Helper()
	svc, err := New(Config{Concurrency: 4}, src, fetcher, files)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func origins(urls ...string) []domain.Origin {
	out := make([]domain.Origin, len(urls))
	for i, u := range urls {
		out[i] = domain.Origin{ID: int64(i + 1), URL: u}
	}
	return out
}

func TestSuccessOnFirstCandidate(t *testing.T) {
	t.Parallel()

	body := []byte(strings.Repeat("x", 1200))
	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": body},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	if got := files.files["foo_bar_master_README.md"]; string(got) != string(body) {
		t.Fatalf("file content = %d bytes", len(got))
	}
	if len(fetcher.calls) != 1 {
		t.Fatalf("sweep did not stop at first hit: %d calls", len(fetcher.calls))
	}
	if len(src.committed) != 1 || src.committed[0] != 1 {
		t.Fatalf("committed = %v", src.committed)
	}
}

func TestAllNotFoundWritesCountedBucket(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	want := len(domain.Branches) * len(domain.ReadmeNames)
	if len(fetcher.calls) != want {
		t.Fatalf("sweep made %d calls, want %d", len(fetcher.calls), want)
	}
	if got := files.markers["foo_bar"]; got != fmt.Sprintf("404_%d", want) {
		t.Fatalf("marker = %q", got)
	}
}

func TestCandidateSweepIsNameMajor(t *testing.T) {
	t.Parallel()

	// both branches must be tried for a name before the next name, so a
	// repo with readme.md on master and README.md on main stores README.md
	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	var want []string
	for _, name := range domain.ReadmeNames {
		for _, branch := range domain.Branches {
			want = append(want, "/foo/bar/"+branch+"/"+name)
		}
	}
	if len(fetcher.calls) != len(want) {
		t.Fatalf("sweep made %d calls, want %d", len(fetcher.calls), len(want))
	}
	for i := range want {
		if fetcher.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, fetcher.calls[i], want[i])
		}
	}
}

func TestBetterNameWinsAcrossBranches(t *testing.T) {
	t.Parallel()

	body := []byte(strings.Repeat("x", 800))
	fetcher := &fakeFetcher{
		status: map[string]int{
			"/foo/bar/master/readme.md": 200,
			"/foo/bar/main/README.md":   200,
		},
		body: map[string][]byte{
			"/foo/bar/master/readme.md": body,
			"/foo/bar/main/README.md":   body,
		},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	if _, ok := files.files["foo_bar_main_README.md"]; !ok {
		t.Fatalf("lower-priority name won the sweep: %v", keys(files.files))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestTooSmallStopsSweep(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": []byte(strings.Repeat("x", domain.MinSize-1))},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	if files.markers["foo_bar"] != domain.BucketTooSmall {
		t.Fatalf("marker = %q", files.markers["foo_bar"])
	}
	if len(fetcher.calls) != 1 {
		t.Fatalf("sweep continued past small content: %d calls", len(fetcher.calls))
	}
}

func TestExactMinSizeIsSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": []byte(strings.Repeat("x", domain.MinSize))},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	if _, ok := files.files["foo_bar_master_README.md"]; !ok {
		t.Fatalf("exact MinSize content not written: %v", files.markers)
	}
}

func TestOversizedContentTruncated(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": []byte(strings.Repeat("x", domain.MaxChars+1))},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	got := string(files.files["foo_bar_master_README.md"])
	if len(got) != domain.MaxChars+len(domain.TruncMarker) {
		t.Fatalf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, domain.TruncMarker) {
		t.Fatalf("missing truncation marker")
	}
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  int
	name   string
	body   []byte
	status int
}

func (f *fakeAPI) FetchReadme(context.Context, string, string) (string, []byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.name, f.body, f.status, nil
}

func TestAPIFallbackWritesDefaultBranch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	api := &fakeAPI{name: "README.rst", body: []byte(strings.Repeat("x", 800)), status: 200}
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}

	svc, err := New(Config{Concurrency: 1}, src, fetcher, files)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.API = api
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := files.files["foo_bar_default_README.rst"]; !ok {
		t.Fatalf("fallback readme not written: %v", keys(files.files))
	}
	if len(files.markers) != 0 {
		t.Fatalf("fallback hit still wrote a marker: %v", files.markers)
	}
	if api.calls != 1 {
		t.Fatalf("api called %d times, want 1", api.calls)
	}
}

func TestAPIFallbackMissFallsThroughToCountedBucket(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	api := &fakeAPI{status: 404}
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}

	svc, err := New(Config{Concurrency: 1}, src, fetcher, files)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.API = api
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := fmt.Sprintf("404_%d", len(domain.Branches)*len(domain.ReadmeNames))
	if files.markers["foo_bar"] != want {
		t.Fatalf("marker = %q, want %q", files.markers["foo_bar"], want)
	}
}

func TestAPIFallbackSkippedOnRawHit(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": []byte(strings.Repeat("x", 800))},
	}
	files := newFakeFiles()
	api := &fakeAPI{name: "README.md", body: []byte(strings.Repeat("y", 800)), status: 200}
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}

	svc, err := New(Config{Concurrency: 1}, src, fetcher, files)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.API = api
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.calls != 0 {
		t.Fatalf("api tried despite a raw hit")
	}
}

func TestTruncationCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 3-byte runes with MaxChars falling mid-rune: the cut must back up
	// so the stored content stays valid UTF-8 ahead of the marker
	body := []byte(strings.Repeat("€", domain.MaxChars/3+10))
	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": body},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	got := string(files.files["foo_bar_master_README.md"])
	if !strings.HasSuffix(got, domain.TruncMarker) {
		t.Fatalf("missing truncation marker")
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated content is not valid UTF-8")
	}
	if len(got) > domain.MaxChars+len(domain.TruncMarker) {
		t.Fatalf("truncated length = %d", len(got))
	}
}

func TestLegalBlockAndNetworkBuckets(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{
			"/foo/legal/master/README.md": 451,
			"/foo/net/master/README.md":   0,
			"/foo/odd/master/README.md":   418,
		},
	}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins(
		"https://github.com/foo/legal",
		"https://github.com/foo/net",
		"https://github.com/foo/odd",
	)}}
	run(t, src, fetcher, files)

	if files.markers["foo_legal"] != "451" {
		t.Fatalf("legal marker = %q", files.markers["foo_legal"])
	}
	if files.markers["foo_net"] != domain.BucketNetwork {
		t.Fatalf("network marker = %q", files.markers["foo_net"])
	}
	if files.markers["foo_odd"] != "418" {
		t.Fatalf("odd status marker = %q", files.markers["foo_odd"])
	}
}

func TestDoneReposAreSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	files.done["foo_bar"] = true
	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)

	if len(fetcher.calls) != 0 {
		t.Fatalf("done repo was fetched: %v", fetcher.calls)
	}
}

func TestRerunWritesNothingNew(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		status: map[string]int{"/foo/bar/master/README.md": 200},
		body:   map[string][]byte{"/foo/bar/master/README.md": []byte(strings.Repeat("x", 600))},
	}
	files := newFakeFiles()

	src := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src, fetcher, files)
	firstCalls := len(fetcher.calls)

	src2 := &fakeSource{batches: [][]domain.Origin{origins("https://github.com/foo/bar")}}
	run(t, src2, fetcher, files)

	if len(fetcher.calls) != firstCalls {
		t.Fatalf("rerun issued %d extra fetches", len(fetcher.calls)-firstCalls)
	}
	if len(files.files) != 1 || len(files.markers) != 0 {
		t.Fatalf("rerun changed outcomes: files=%d markers=%d", len(files.files), len(files.markers))
	}
}

func TestOnRepoFiresPerOrigin(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{status: map[string]int{}}
	files := newFakeFiles()
	src := &fakeSource{batches: [][]domain.Origin{origins(
		"https://github.com/a/a", "https://github.com/b/b", "https://github.com/c/c",
	)}}
	svc, err := New(Config{Concurrency: 2}, src, fetcher, files)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var mu sync.Mutex
	n := 0
	svc.OnRepo = func() { mu.Lock(); n++; mu.Unlock() }
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 3 {
		t.Fatalf("OnRepo fired %d times, want 3", n)
	}
}
