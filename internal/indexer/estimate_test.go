package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTotalTokens(t *testing.T) {
	exec := newFakeExec()
	exec.stub("ls-tree -r --long HEAD",
		"100644 blob aaa 100\tmain.go\n100644 blob bbb 300\tutil.go\n")

	got := EstimateTotalTokens(context.Background(), exec, "/repo")
	assert.Equal(t, int64(100), got)
}

func TestEstimateTotalTokensReturnsZeroOnGitFailure(t *testing.T) {
	exec := newFakeExec()
	exec.stubExit("ls-tree -r --long HEAD", 128, "fatal: not a git repository")

	assert.Zero(t, EstimateTotalTokens(context.Background(), exec, "/repo"))
}

func TestEstimateChangedTokens(t *testing.T) {
	exec := newFakeExec()
	exec.stub("diff --name-only 'c1..c2'", "a.go\n")
	exec.stub("status --porcelain", " M b.go\nR  old.go -> new.go\n")
	// old.go is already gone from HEAD, so ls-tree omits it.
	exec.stub("ls-tree -l HEAD --",
		"100644 blob aaa 40\ta.go\n100644 blob bbb 60\tb.go\n100644 blob ccc 100\tnew.go\n")

	got := EstimateChangedTokens(context.Background(), exec, "/repo", "c1", "c2")
	assert.Equal(t, int64(50), got)

	assert.Equal(t, 1, exec.callsContaining("ls-tree -l HEAD -- 'a.go' 'b.go' 'new.go' 'old.go'"),
		"size lookup covers the union of diff and porcelain changes, sorted")
}

func TestEstimateChangedTokensFallsBackToFullWhenDiffFails(t *testing.T) {
	exec := newFakeExec()
	exec.stubExit("diff --name-only", 128, "fatal: unknown revision")
	exec.stub("ls-tree -r --long HEAD", "100644 blob aaa 400\tmain.go\n")

	got := EstimateChangedTokens(context.Background(), exec, "/repo", "gone", "c2")
	assert.Equal(t, int64(100), got)
}

func TestEstimateChangedTokensEmptyChangeSet(t *testing.T) {
	exec := newFakeExec()
	exec.stub("diff --name-only 'c1..c2'", "")
	exec.stub("status --porcelain", "")

	assert.Zero(t, EstimateChangedTokens(context.Background(), exec, "/repo", "c1", "c2"))
	assert.Zero(t, exec.callsContaining("ls-tree -l"), "no size lookup when nothing changed")
}
