package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	embdomain "repolens/internal/services/embedder/domain"
)

func writeCorpus(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListReadmesSkipsHiddenAndDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCorpus(t, dir, map[string]string{
		"foo_bar_master_README.md": "x",
		"baz_qux_main_README.md":   "y",
	})
	if err := os.MkdirAll(filepath.Join(dir, ".errors", "451"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".fetch-cache.duckdb"), []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := ListReadmes(dir)
	if err != nil {
		t.Fatalf("ListReadmes: %v", err)
	}
	if len(names) != 2 || names[0] != "baz_qux_main_README.md" || names[1] != "foo_bar_master_README.md" {
		t.Fatalf("names = %v", names)
	}
}

func TestLoadParsesHashesAndAttributes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := strings.Repeat("# readme\n", 10)
	writeCorpus(t, dir, map[string]string{"foo_bar_master_README.md": content})

	items, err := Load(context.Background(), dir, []string{"foo_bar_master_README.md"}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].Repo != "foo/bar" {
		t.Fatalf("repo = %q", items[0].Repo)
	}
	want, _ := embdomain.NewItem("foo/bar", content)
	if items[0].ID != want.ID {
		t.Fatalf("id = %q, want %q", items[0].ID, want.ID)
	}
}

func TestLoadDropsDuplicatesAndIndexed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	same := strings.Repeat("identical readme body ", 5)
	other := strings.Repeat("different readme body ", 5)
	writeCorpus(t, dir, map[string]string{
		"a_one_master_README.md":   same,
		"b_two_main_README.md":     same, // duplicate content, later in order
		"c_three_master_README.md": other,
	})
	names := []string{"a_one_master_README.md", "b_two_main_README.md", "c_three_master_README.md"}

	indexed, _ := embdomain.NewItem("c/three", other)
	existing := map[string]struct{}{indexed.ID: {}}

	items, err := Load(context.Background(), dir, names, existing)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Repo != "a/one" {
		t.Fatalf("first occurrence did not win: %q", items[0].Repo)
	}
}

func TestLoadSkipsRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCorpus(t, dir, map[string]string{
		"foo_bar_master_README.md":   strings.Repeat("ok content ", 10),
		"tiny_repo_master_README.md": "  x ", // too short after trim
		"nobranchtoken_README.md":    "long enough but unparseable name",
	})
	names := []string{"foo_bar_master_README.md", "tiny_repo_master_README.md", "nobranchtoken_README.md"}

	items, err := Load(context.Background(), dir, names, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 || items[0].Repo != "foo/bar" {
		t.Fatalf("items = %+v", items)
	}
}
