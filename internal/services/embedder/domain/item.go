// Package domain holds the embed pipeline types: the work item, its
// content-hash identity and the ports the drivers run against
package domain

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	perr "repolens/internal/platform/errors"
)

// Content rules
const (
	// MinContentLen rejects READMEs that survived fetch but carry no
	// usable text after trimming
	MinContentLen = 10

	// MaxContentLen caps what goes to the embedding API; longer content
	// is cut here rather than paid for
	MaxContentLen = 16000
)

// Item is one README ready to embed. ID is derived from the content
// hash, so byte-identical READMEs collapse to one vector
type Item struct {
	ID          string
	Repo        string // owner/repo
	Content     string
	ContentHash string // full SHA-1 hex of the trimmed content
}

// UUIDFromSHA1 folds the first 16 bytes of a SHA-1 digest into the
// canonical UUID form the vector store requires as a point ID
func UUIDFromSHA1(hash string) string {
	raw, _ := hex.DecodeString(hash[:32])
	u, _ := uuid.FromBytes(raw)
	return u.String()
}

// NewItem trims, validates and caps README content, then derives the
// stable identity from the hash of what will actually be embedded
func NewItem(repo, content string) (Item, error) {
	content = strings.TrimSpace(content)
	if len(content) < MinContentLen {
		return Item{}, perr.InvalidArgf("readme for %s too short after trim (%d chars)", repo, len(content))
	}
	if len(content) > MaxContentLen {
		// cap on a rune boundary so multibyte content stays valid UTF-8
		cut := MaxContentLen
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	sum := sha1.Sum([]byte(content))
	hash := hex.EncodeToString(sum[:])
	return Item{
		ID:          UUIDFromSHA1(hash),
		Repo:        repo,
		Content:     content,
		ContentHash: hash,
	}, nil
}

// VectorStore is the narrow contract the drivers need from the vector DB
type VectorStore interface {
	ExistingIDs(ctx context.Context) (map[string]struct{}, error)
	UpsertItems(ctx context.Context, items []Item, vectors map[string][]float32) error
}
