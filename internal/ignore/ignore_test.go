package ignore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

func TestMatcher(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
		want    bool
	}{
		{"empty file matches nothing", "", "main.go", false},
		{"comment skipped", "# *.go\n", "main.go", false},
		{"blank lines skipped", "\n\n*.log\n", "debug.log", true},
		{"basename at any depth", "*.log\n", "a/b/debug.log", true},
		{"basename no match", "*.log\n", "a/b/debug.txt", false},
		{"name matches parent directory", "node_modules\n", "node_modules/pkg/index.js", true},
		{"dir-only matches contents", "build/\n", "build/out.js", true},
		{"dir-only does not match file", "build/\n", "build", false},
		{"anchored to root", "/vendor\n", "vendor/lib.go", true},
		{"anchored misses nested", "/vendor\n", "pkg/vendor/lib.go", false},
		{"middle slash anchors", "docs/api\n", "docs/api/spec.yaml", true},
		{"middle slash misses nested", "docs/api\n", "x/docs/api/spec.yaml", false},
		{"doublestar leading", "**/dist\n", "a/b/dist/app.js", true},
		{"doublestar leading at root", "**/dist\n", "dist/app.js", true},
		{"doublestar trailing", "gen/**\n", "gen/a/b.go", true},
		{"doublestar trailing excludes dir itself", "gen/**\n", "gen", false},
		{"doublestar middle", "a/**/z.txt\n", "a/b/c/z.txt", true},
		{"doublestar middle zero dirs", "a/**/z.txt\n", "a/z.txt", true},
		{"question mark", "file?.txt\n", "file1.txt", true},
		{"negation re-includes", "*.log\n!keep.log\n", "keep.log", false},
		{"negation ordering last wins", "!keep.log\n*.log\n", "keep.log", true},
		{"negation of nested", "logs/\n!logs/.keep\n", "logs/.keep", false},
		{"escaped hash literal", "\\#notes\n", "#notes", true},
		{"crlf line endings", "*.tmp\r\n", "a.tmp", true},
		{"trailing spaces trimmed", "*.bak   \n", "old.bak", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.content)
			assert.Equal(t, tt.want, m.Matches(tt.path))
		})
	}
}

func TestMatcherLastMatchWins(t *testing.T) {
	m := Parse(strings.Join([]string{
		"dist/",
		"!dist/manifest.json",
		"*.min.js",
	}, "\n"))

	assert.True(t, m.Matches("dist/bundle.js"))
	assert.False(t, m.Matches("dist/manifest.json"))
	assert.True(t, m.Matches("src/app.min.js"))
	assert.False(t, m.Matches("src/app.js"))
}

type fakeExec struct {
	results  map[string]shellexec.Result
	commands []string
}

func (f *fakeExec) Exec(_ context.Context, cmd string) (shellexec.Result, error) {
	f.commands = append(f.commands, cmd)
	for sub, res := range f.results {
		if strings.Contains(cmd, sub) {
			return res, nil
		}
	}
	return shellexec.Result{ExitCode: 127, Stderr: "command not stubbed"}, nil
}

func TestCacheLoad(t *testing.T) {
	cache, err := NewCache(".codebaseindexignore")
	require.NoError(t, err)

	exec := &fakeExec{results: map[string]shellexec.Result{
		"/repo/.codebaseindexignore": {ExitCode: 0, Stdout: "*.log\n"},
	}}

	m, err := cache.Load(context.Background(), exec, "/repo")
	require.NoError(t, err)
	assert.True(t, m.Matches("debug.log"))
	assert.False(t, m.Matches("main.go"))

	// Same root and content hits the cache and returns the same matcher.
	again, err := cache.Load(context.Background(), exec, "/repo")
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Len(t, exec.commands, 2)
}

func TestCacheLoadMissingFile(t *testing.T) {
	cache, err := NewCache(".codebaseindexignore")
	require.NoError(t, err)

	exec := &fakeExec{results: map[string]shellexec.Result{
		".codebaseindexignore": {ExitCode: 1, Stderr: "No such file or directory"},
	}}

	m, err := cache.Load(context.Background(), exec, "/repo")
	require.NoError(t, err)
	assert.False(t, m.Matches("anything.go"))
}

func TestCacheKeyedByContent(t *testing.T) {
	cache, err := NewCache(".codebaseindexignore")
	require.NoError(t, err)

	exec := &fakeExec{results: map[string]shellexec.Result{
		".codebaseindexignore": {ExitCode: 0, Stdout: "*.log\n"},
	}}
	first, err := cache.Load(context.Background(), exec, "/repo")
	require.NoError(t, err)
	assert.True(t, first.Matches("a.log"))

	// Content changed under the same root: a fresh matcher is compiled.
	exec.results[".codebaseindexignore"] = shellexec.Result{ExitCode: 0, Stdout: "*.tmp\n"}
	second, err := cache.Load(context.Background(), exec, "/repo")
	require.NoError(t, err)
	assert.False(t, second.Matches("a.log"))
	assert.True(t, second.Matches("a.tmp"))
}
