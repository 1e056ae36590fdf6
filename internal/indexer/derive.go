package indexer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	scpLikeRe     = regexp.MustCompile(`^git@([^:/]+):(.+)$`)
	credentialsRe = regexp.MustCompile(`//[^/@]+@`)
)

// DeriveRepoID canonicalizes a clone URL so every spelling of the same
// repository maps to one identity. SCP-style and ssh:// URLs become https,
// credentials are stripped, and a trailing ".git" or slash is dropped.
// The result is idempotent: DeriveRepoID(DeriveRepoID(x)) == DeriveRepoID(x).
func DeriveRepoID(rawURL string) string {
	id := strings.TrimSpace(rawURL)

	if m := scpLikeRe.FindStringSubmatch(id); m != nil {
		id = "https://" + m[1] + "/" + m[2]
	}
	if strings.HasPrefix(id, "ssh://") {
		id = "https://" + strings.TrimPrefix(id, "ssh://")
	}
	id = credentialsRe.ReplaceAllString(id, "//")

	for {
		lower := strings.ToLower(id)
		switch {
		case strings.HasSuffix(lower, ".git"):
			id = id[:len(id)-len(".git")]
		case strings.HasSuffix(id, "/"):
			id = strings.TrimRight(id, "/")
		default:
			return id
		}
	}
}

// DeriveRepoSlug turns a repo id into a collection-safe slug: lowercase,
// non-alphanumerics collapsed to underscores. Slugs longer than 80 chars
// are truncated to 60 plus an 8-hex-char sha1 suffix so distinct long ids
// stay distinct.
func DeriveRepoSlug(repoID string) string {
	return deriveSlug(repoID, 80, 60)
}

// DeriveBranchSlug is DeriveRepoSlug with branch-sized limits (30, 20).
func DeriveBranchSlug(branch string) string {
	return deriveSlug(branch, 30, 20)
}

func deriveSlug(s string, maxLen, truncateTo int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) > maxLen {
		sum := sha1.Sum([]byte(s))
		slug = slug[:truncateTo] + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return slug
}

// BuildCollectionName assembles the per-repo collection name. The vector
// size is part of the name so a model change lands in a fresh collection
// instead of colliding with differently sized vectors. branchSlug is
// optional; empty means the repository's default branch collection.
func BuildCollectionName(repoSlug string, vectorSize int, branchSlug string) string {
	if branchSlug != "" {
		return fmt.Sprintf("codebase_%s_%s_%d", repoSlug, branchSlug, vectorSize)
	}
	return fmt.Sprintf("codebase_%s_%d", repoSlug, vectorSize)
}
