package indexer

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

// bytesPerToken is the byte-to-token approximation used for estimates.
const bytesPerToken = 4

// EstimateTotalTokens approximates the token cost of indexing the whole
// tree as blob bytes divided by four. Returns 0 when git fails, so an
// empty or broken checkout estimates as free rather than blocking a run.
func EstimateTotalTokens(ctx context.Context, exec shellexec.Executor, repoRoot string) int64 {
	entries, err := gitcli.LsTreeAll(ctx, exec, repoRoot)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total / bytesPerToken
}

// EstimateChangedTokens approximates the cost of an incremental run: the
// summed blob sizes of every path changed between from and to, plus
// uncommitted working-tree changes. Paths absent from HEAD (deletes, rename
// sources) cost nothing. Falls back to the full estimate when the diff
// cannot be computed, which happens on shallow clones missing the commit.
func EstimateChangedTokens(ctx context.Context, exec shellexec.Executor, repoRoot, from, to string) int64 {
	changed, err := changedPathSet(ctx, exec, repoRoot, from, to)
	if err != nil {
		return EstimateTotalTokens(ctx, exec, repoRoot)
	}
	if len(changed) == 0 {
		return 0
	}
	sizes, err := gitcli.LsTreeSizes(ctx, exec, repoRoot, changed)
	if err != nil {
		return EstimateTotalTokens(ctx, exec, repoRoot)
	}
	var total int64
	for _, p := range changed {
		total += sizes[p]
	}
	return total / bytesPerToken
}

// changedPathSet unions committed diff names with porcelain working-tree
// changes. Renames contribute both sides. The result is sorted so batched
// size lookups are deterministic.
func changedPathSet(ctx context.Context, exec shellexec.Executor, repoRoot, from, to string) ([]string, error) {
	names, err := gitcli.DiffNames(ctx, exec, repoRoot, from, to)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}

	changes, err := gitcli.StatusPorcelain(ctx, exec, repoRoot)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		set[c.Path] = struct{}{}
		if c.OldPath != "" {
			set[c.OldPath] = struct{}{}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
