package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"repolens/internal/services/fetch/domain"
)

func TestWriteSuccessAndDone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	repo := domain.Repo{Owner: "foo", Name: "bar"}
	if s.Done(repo) {
		t.Fatalf("fresh repo reported done")
	}
	if err := s.WriteSuccess(repo, "master", "README.md", []byte("hello")); err != nil {
		t.Fatalf("WriteSuccess: %v", err)
	}
	if !s.Done(repo) {
		t.Fatalf("repo not done after success")
	}

	b, err := os.ReadFile(filepath.Join(dir, "foo_bar_master_README.md"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("content = %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "foo_bar_master_README.md.part")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}

func TestWriteMarkerLazyBucketDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	repo := domain.Repo{Owner: "foo", Name: "gone"}
	if err := s.WriteMarker(repo, "404_14"); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}
	if !s.Done(repo) {
		t.Fatalf("markered repo not done")
	}
	if _, err := os.Stat(filepath.Join(dir, ".errors", "404_14", "foo_gone")); err != nil {
		t.Fatalf("marker file missing: %v", err)
	}

	// second marker in the same bucket reuses the dir
	if err := s.WriteMarker(domain.Repo{Owner: "bar", Name: "gone"}, "404_14"); err != nil {
		t.Fatalf("WriteMarker 2: %v", err)
	}

	sum := s.Summary()
	if sum["404_14"] != 2 {
		t.Fatalf("summary = %v", sum)
	}
}

func TestPreloadExistingOutcomes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "foo_bar_main_README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	errDir := filepath.Join(dir, ".errors", "451")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(errDir, "baz_qux"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(dir, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Done(domain.Repo{Owner: "foo", Name: "bar"}) {
		t.Fatalf("preloaded success not done")
	}
	if !s.Done(domain.Repo{Owner: "baz", Name: "qux"}) {
		t.Fatalf("preloaded marker not done")
	}
	if s.Done(domain.Repo{Owner: "new", Name: "repo"}) {
		t.Fatalf("unseen repo reported done")
	}
}

func TestParallelModeProbesFilesystem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary, err := New(dir, false)
	if err != nil {
		t.Fatalf("New primary: %v", err)
	}
	if err := primary.WriteMarker(domain.Repo{Owner: "a", Name: "b"}, "404_14"); err != nil {
		t.Fatal(err)
	}
	if err := primary.WriteSuccess(domain.Repo{Owner: "c", Name: "d"}, "main", "README.md", []byte("y")); err != nil {
		t.Fatal(err)
	}

	// sibling instance opened against the same tree
	sib, err := New(dir, true)
	if err != nil {
		t.Fatalf("New sibling: %v", err)
	}
	if !sib.Done(domain.Repo{Owner: "a", Name: "b"}) {
		t.Fatalf("sibling missed marker written by primary")
	}
	if !sib.Done(domain.Repo{Owner: "c", Name: "d"}) {
		t.Fatalf("sibling missed success written by primary")
	}
	if sib.Done(domain.Repo{Owner: "x", Name: "y"}) {
		t.Fatalf("sibling reported unseen repo done")
	}
}

func TestWriteSuccessRejectsLongNames(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	repo := domain.Repo{Owner: strings.Repeat("a", 120), Name: strings.Repeat("b", 120)}
	if err := s.WriteSuccess(repo, "master", "README.md", []byte("x")); err != ErrNameTooLong {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
	if s.Done(repo) {
		t.Fatalf("rejected repo must not be recorded as done")
	}
}
