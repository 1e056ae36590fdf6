// Package shellexec provides shell command execution bound to a working
// directory. Implementations run commands locally or inside an isolated
// runtime; callers build command strings with ShQuote for any interpolated
// value.
package shellexec

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single exec call when the caller's context
	// carries no deadline.
	DefaultTimeout = 120 * time.Second

	// TailGrace is how long a timed-out process gets to exit after SIGTERM
	// before it is killed.
	TailGrace = 30 * time.Second

	// ExitTimeout is the exit code reported when a command is aborted by
	// its deadline, matching timeout(1).
	ExitTimeout = 124
)

// Result holds the outcome of a shell command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs a shell command and reports its outcome. A non-zero exit
// code is not an error; errors are reserved for failures to run at all.
type Executor interface {
	Exec(ctx context.Context, cmd string) (Result, error)
}

// ShQuote wraps s in single quotes for safe interpolation into a shell
// command, escaping embedded single quotes.
func ShQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
