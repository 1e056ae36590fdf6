package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Local runs commands as subprocesses via `sh -c` in a fixed directory.
type Local struct {
	// Dir is the working directory for every command. Empty means the
	// process working directory.
	Dir string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// NewLocal returns a Local executor rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{Dir: dir}
}

// Exec runs cmd through `sh -c`. When the context carries no deadline a
// per-call timeout applies. A deadline abort reports ExitTimeout (124) after
// the tail grace elapses.
func (l *Local) Exec(ctx context.Context, cmd string) (Result, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = l.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	// On deadline, terminate politely and give the process TailGrace to
	// exit before the runtime kills it.
	c.Cancel = func() error {
		if c.Process == nil {
			return os.ErrProcessDone
		}
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = TailGrace

	err := c.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = ExitTimeout
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	return res, fmt.Errorf("exec %q: %w", cmd, err)
}

var _ Executor = (*Local)(nil)
