package domain

import (
	"strings"
	"testing"
)

func TestParseOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		owner string
		name  string
		ok    bool
	}{
		{"https://github.com/foo/bar", "foo", "bar", true},
		{"https://github.com/foo/bar.git", "foo", "bar", true},
		{"git://github.com/foo/bar.git", "foo", "bar", true},
		{"https://github.com/foo/bar/", "foo", "bar", true},
		{"https://github.com/foo/my_repo", "foo", "my_repo", true},
		{"https://gitlab.com/foo/bar", "", "", false},
		{"not a url", "", "", false},
	}
	for _, tc := range cases {
		r, ok := ParseOrigin(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseOrigin(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if ok && (r.Owner != tc.owner || r.Name != tc.name) {
			t.Fatalf("ParseOrigin(%q) = %+v", tc.in, r)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Repo{
		{Owner: "foo", Name: "bar"},
		{Owner: "foo", Name: "my_repo"},
		{Owner: "foo", Name: "a_b_c"},
	}
	for _, repo := range cases {
		for _, branch := range Branches {
			name := BuildName(repo, branch, "README.md")
			got, err := ParseName(name)
			if err != nil {
				t.Fatalf("ParseName(%q): %v", name, err)
			}
			if got != repo {
				t.Fatalf("ParseName(%q) = %+v, want %+v", name, got, repo)
			}
		}
	}
}

func TestParseNameSplitsAtFirstBranchToken(t *testing.T) {
	t.Parallel()

	// repo part join must reproduce the original name prefix
	name := "owner_deep_repo_master_README.md"
	repo, err := ParseName(name)
	if err != nil {
		t.Fatalf("ParseName: %v", err)
	}
	if repo.Owner != "owner" || repo.Name != "deep_repo" {
		t.Fatalf("repo = %+v", repo)
	}
	if !strings.HasPrefix(name, repo.Slug()+"_") {
		t.Fatalf("slug %q is not a prefix of %q", repo.Slug(), name)
	}
}

func TestParseNameNoToken(t *testing.T) {
	t.Parallel()

	if _, err := ParseName("owner_repo_feature_README.md"); err == nil {
		t.Fatalf("want error without branch token")
	}
	// token at index < 2 cannot split owner from repo
	if _, err := ParseName("owner_master"); err == nil {
		t.Fatalf("want error for token without repo parts")
	}
}

func TestCandidateOrder(t *testing.T) {
	t.Parallel()

	if ReadmeNames[0] != "README.md" {
		t.Fatalf("README.md must be the first candidate, got %q", ReadmeNames[0])
	}
	if Branches[0] != "master" {
		t.Fatalf("master must be probed before main, got %q", Branches[0])
	}
}
