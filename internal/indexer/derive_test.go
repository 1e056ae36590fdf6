package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRepoID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"scp style", "git@github.com:o/r.git", "https://github.com/o/r"},
		{"credentials and trailing slash", "https://u:p@github.com/o/r/", "https://github.com/o/r"},
		{"ssh scheme", "ssh://git@github.com/o/r.git", "https://github.com/o/r"},
		{"plain https", "https://github.com/o/r", "https://github.com/o/r"},
		{"uppercase git suffix", "https://github.com/o/r.GIT", "https://github.com/o/r"},
		{"whitespace", "  https://github.com/o/r \n", "https://github.com/o/r"},
		{"git then slash", "https://github.com/o/r.git/", "https://github.com/o/r"},
		{"token credential", "https://x-access-token@gitlab.com/grp/proj.git", "https://gitlab.com/grp/proj"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveRepoID(tc.in))
		})
	}
}

func TestDeriveRepoIDIdempotent(t *testing.T) {
	inputs := []string{
		"git@github.com:o/r.git",
		"https://u:p@github.com/o/r/",
		"ssh://git@bitbucket.org/team/repo.git",
	}
	for _, in := range inputs {
		once := DeriveRepoID(in)
		assert.Equal(t, once, DeriveRepoID(once))
	}
}

func TestDeriveRepoSlug(t *testing.T) {
	assert.Equal(t, "https_github_com_o_r", DeriveRepoSlug("https://github.com/o/r"))
	assert.Equal(t, "abc_def", DeriveRepoSlug("__ABC-def__"))
}

func TestDeriveRepoSlugLongIDsTruncateWithHash(t *testing.T) {
	long := "https://github.com/" + strings.Repeat("organization/", 10) + "repo"
	slug := DeriveRepoSlug(long)

	assert.Len(t, slug, 69) // 60 + "_" + 8 hex chars
	assert.NotContains(t, slug, "/")

	other := DeriveRepoSlug(long + "x")
	assert.NotEqual(t, slug, other, "distinct long ids must get distinct slugs")
}

func TestDeriveBranchSlug(t *testing.T) {
	assert.Equal(t, "feature_add_search", DeriveBranchSlug("feature/add-search"))

	long := DeriveBranchSlug("feature/a-very-long-branch-name-indeed")
	assert.Len(t, long, 29) // 20 + "_" + 8 hex chars
}

func TestBuildCollectionName(t *testing.T) {
	assert.Equal(t, "codebase_my_repo_1536", BuildCollectionName("my_repo", 1536, ""))
	assert.Equal(t, "codebase_my_repo_develop_1536", BuildCollectionName("my_repo", 1536, "develop"))
}
