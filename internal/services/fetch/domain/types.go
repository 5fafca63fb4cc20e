// Package domain holds the fetch service types and ports
package domain

import (
	"context"
	"regexp"
	"strings"
)

// Candidate search space, swept name-major: every branch is tried for a
// name before the next name. README.md first, and master before main
// because master covers the bulk of the archived corpus
var (
	ReadmeNames = []string{
		"README.md", "readme.md", "Readme.md", "ReadMe.md",
		"README.markdown", "readme.markdown", "Readme.markdown",
		"README.mkd", "README.mdown", "README.mkdn",
		"README.asciidoc", "readme.asciidoc", "README.adoc", "readme.adoc",
		"README.rst", "readme.rst",
		"README.rdoc",
		"README.textile",
		"README.org",
		"README.txt", "Readme.txt", "readme.txt", "README.TXT",
		"README.MD",
		"readme.html",
		"README",
	}
	Branches = []string{"master", "main"}
)

// BranchDefault is the branch recorded when the README came through the
// hosting API fallback rather than a raw branch candidate
const BranchDefault = "default"

// Fetch thresholds
const (
	// MinSize is the smallest README length that counts as a success
	MinSize = 500

	// MaxChars caps stored README bytes; longer content is truncated
	MaxChars = 50000

	// TruncMarker is appended when content was cut at MaxChars
	TruncMarker = "\n\n[TRUNCATED]"

	// MaxNameLen rejects pathological owner/repo names before they hit
	// filesystem limits
	MaxNameLen = 200
)

// Error-marker buckets that are not plain HTTP statuses
const (
	BucketNetwork  = "0"
	BucketTooSmall = "tooSmall"
)

// Origin is one work unit from the archive: a dense row id plus the URL
type Origin struct {
	ID  int64
	URL string
}

// Repo identifies a GitHub repository
type Repo struct {
	Owner string
	Name  string
}

// Full returns the owner/repo form
func (r Repo) Full() string { return r.Owner + "/" + r.Name }

// Slug returns the owner_repo form used in marker filenames
func (r Repo) Slug() string { return r.Owner + "_" + r.Name }

var originRe = regexp.MustCompile(`github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseOrigin extracts owner/repo from a github.com origin URL
func ParseOrigin(url string) (Repo, bool) {
	m := originRe.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return Repo{}, false
	}
	return Repo{Owner: m[1], Name: m[2]}, true
}

// WorkSource streams origin URLs in batches with a durable cursor
type WorkSource interface {
	// Next returns the next batch of origins; empty slice means drained
	Next(ctx context.Context) ([]Origin, error)

	// Commit persists the cursor after a batch has been fully processed
	Commit(ctx context.Context, lastID int64) error

	Close() error
}

// Fetcher issues one candidate request and returns the terminal HTTP
// status (0 for network-layer failure) with the body on 200
type Fetcher interface {
	Fetch(ctx context.Context, path string) (status int, body []byte, err error)
}

// APIFetcher resolves the default-branch README through the hosting API
// after every raw candidate 404'd. The filename comes from the API
// response; the branch is recorded as BranchDefault
type APIFetcher interface {
	FetchReadme(ctx context.Context, owner, repo string) (filename string, body []byte, status int, err error)
}

// FileStore is the durable outcome sink: README files and error markers
type FileStore interface {
	// Done reports whether the repo already has any durable outcome
	Done(repo Repo) bool

	// WriteSuccess persists README content under the canonical filename
	WriteSuccess(repo Repo, branch, filename string, content []byte) error

	// WriteMarker records a permanent failure bucket for the repo
	WriteMarker(repo Repo, bucket string) error
}
