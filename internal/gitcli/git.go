// Package gitcli runs git commands through a shell executor. Every command
// is scoped with `git -C <dir>` so it works identically in local checkouts
// and inside isolated runtimes, and every interpolated value is quoted.
package gitcli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

// ErrGit indicates a required git command exited non-zero.
var ErrGit = errors.New("git command failed")

const (
	// CloneDepth is the history depth used for worker clones.
	CloneDepth = 100

	// lsTreeBatchSize bounds the number of paths per ls-tree invocation.
	lsTreeBatchSize = 200
)

// TreeEntry is one blob from `git ls-tree --long`.
type TreeEntry struct {
	Path string
	Size int64
}

func gitErr(cmd string, res shellexec.Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("%w: git %s (exit %d): %s", ErrGit, cmd, res.ExitCode, msg)
}

func run(ctx context.Context, x shellexec.Executor, dir, args string) (shellexec.Result, error) {
	cmd := "git -C " + shellexec.ShQuote(dir) + " " + args
	res, err := x.Exec(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("running git: %w", err)
	}
	return res, nil
}

// LsFiles lists tracked paths in the working tree.
func LsFiles(ctx context.Context, x shellexec.Executor, dir string) ([]string, error) {
	res, err := run(ctx, x, dir, "ls-files")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitErr("ls-files", res)
	}
	return splitLines(res.Stdout), nil
}

// LsTreeAll returns every blob at HEAD with its size in bytes.
func LsTreeAll(ctx context.Context, x shellexec.Executor, dir string) ([]TreeEntry, error) {
	res, err := run(ctx, x, dir, "ls-tree -r --long HEAD")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitErr("ls-tree", res)
	}
	return parseLsTree(res.Stdout), nil
}

// LsTreeSizes looks up blob sizes at HEAD for the given paths, batching the
// underlying ls-tree calls. Paths absent from HEAD are omitted from the
// result, matching ls-tree behavior.
func LsTreeSizes(ctx context.Context, x shellexec.Executor, dir string, paths []string) (map[string]int64, error) {
	sizes := make(map[string]int64, len(paths))
	for start := 0; start < len(paths); start += lsTreeBatchSize {
		end := start + lsTreeBatchSize
		if end > len(paths) {
			end = len(paths)
		}

		var sb strings.Builder
		sb.WriteString("ls-tree -l HEAD --")
		for _, p := range paths[start:end] {
			sb.WriteString(" ")
			sb.WriteString(shellexec.ShQuote(p))
		}

		res, err := run(ctx, x, dir, sb.String())
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, gitErr("ls-tree -l", res)
		}
		for _, e := range parseLsTree(res.Stdout) {
			sizes[e.Path] = e.Size
		}
	}
	return sizes, nil
}

// parseLsTree parses `ls-tree --long` output lines of the form
//
//	100644 blob <sha> <size>\t<path>
//
// Non-blob entries (size "-") are skipped.
func parseLsTree(out string) []TreeEntry {
	var entries []TreeEntry
	for _, line := range splitLines(out) {
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		meta := strings.Fields(line[:tab])
		if len(meta) < 4 || meta[1] != "blob" {
			continue
		}
		size, err := strconv.ParseInt(meta[3], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, TreeEntry{Path: unquotePath(line[tab+1:]), Size: size})
	}
	return entries
}

// DiffNames returns paths changed between two commits. A non-zero exit
// (for example a shallow clone missing the from commit) returns ErrGit so
// callers can fall back to a full walk.
func DiffNames(ctx context.Context, x shellexec.Executor, dir, from, to string) ([]string, error) {
	spec := shellexec.ShQuote(from + ".." + to)
	res, err := run(ctx, x, dir, "diff --name-only "+spec)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitErr("diff --name-only", res)
	}
	return splitLines(res.Stdout), nil
}

// StatusChange is one working-tree change from `git status --porcelain`.
type StatusChange struct {
	Path    string
	OldPath string // set for renames
	Deleted bool
}

// StatusPorcelain parses working-tree changes, including `old -> new`
// renames.
func StatusPorcelain(ctx context.Context, x shellexec.Executor, dir string) ([]StatusChange, error) {
	res, err := run(ctx, x, dir, "status --porcelain")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitErr("status --porcelain", res)
	}

	var changes []StatusChange
	for _, line := range splitLines(res.Stdout) {
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		rest := line[3:]

		change := StatusChange{
			Deleted: strings.ContainsAny(status, "D"),
		}
		if old, newPath, ok := strings.Cut(rest, " -> "); ok {
			change.OldPath = unquotePath(old)
			change.Path = unquotePath(newPath)
		} else {
			change.Path = unquotePath(rest)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// RevParseHead resolves the current commit. An empty result is ErrGit.
func RevParseHead(ctx context.Context, x shellexec.Executor, dir string) (string, error) {
	res, err := run(ctx, x, dir, "rev-parse HEAD")
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || commit == "" {
		return "", gitErr("rev-parse HEAD", res)
	}
	return commit, nil
}

// CurrentBranch resolves the checked-out branch name, falling back through
// symbolic refs for detached or freshly cloned states.
func CurrentBranch(ctx context.Context, x shellexec.Executor, dir string) (string, error) {
	res, err := run(ctx, x, dir, "rev-parse --abbrev-ref HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		if branch := strings.TrimSpace(res.Stdout); branch != "" && branch != "HEAD" {
			return branch, nil
		}
	}

	res, err = run(ctx, x, dir, "symbolic-ref --short HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		if branch := strings.TrimSpace(res.Stdout); branch != "" {
			return branch, nil
		}
	}

	res, err = run(ctx, x, dir, "symbolic-ref refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		ref := strings.TrimSpace(res.Stdout)
		if branch := strings.TrimPrefix(ref, "refs/remotes/origin/"); branch != "" && branch != ref {
			return branch, nil
		}
	}

	return "", gitErr("symbolic-ref", res)
}

// Clone performs a shallow clone into dir, removing any preexisting path
// first. branch may be empty for the remote default.
func Clone(ctx context.Context, x shellexec.Executor, url, branch, dir string) error {
	rm, err := x.Exec(ctx, "rm -rf "+shellexec.ShQuote(dir))
	if err != nil {
		return fmt.Errorf("clearing clone dir: %w", err)
	}
	if rm.ExitCode != 0 {
		return fmt.Errorf("%w: rm -rf (exit %d): %s", ErrGit, rm.ExitCode, strings.TrimSpace(rm.Stderr))
	}

	var sb strings.Builder
	sb.WriteString("git clone --depth ")
	sb.WriteString(strconv.Itoa(CloneDepth))
	if branch != "" {
		sb.WriteString(" --branch ")
		sb.WriteString(shellexec.ShQuote(branch))
	}
	sb.WriteString(" ")
	sb.WriteString(shellexec.ShQuote(url))
	sb.WriteString(" ")
	sb.WriteString(shellexec.ShQuote(dir))

	res, err := x.Exec(ctx, sb.String())
	if err != nil {
		return fmt.Errorf("running git clone: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: git clone %s (exit %d): %s",
			ErrGit, SanitizeURL(url), res.ExitCode, SanitizeURL(strings.TrimSpace(res.Stderr)))
	}
	return nil
}

// splitLines splits command output into trimmed non-empty lines.
func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// unquotePath strips the quoting git applies to paths with special
// characters. Escape sequences inside are left as-is; such paths are rare
// and still unambiguous for filtering.
func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		return p[1 : len(p)-1]
	}
	return p
}
