// Package runtime provisions ephemeral workspaces for indexing jobs. Each
// runtime is an isolated directory with a shell executor rooted in it;
// idle runtimes are reaped so crashed jobs cannot leak checkouts.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

// Runtime is an isolated workspace that executes shell commands.
type Runtime interface {
	shellexec.Executor

	// ID identifies the runtime in logs and job records.
	ID() string

	// Dir is the workspace root on disk.
	Dir() string

	// Touch marks the runtime as recently used, deferring the reaper.
	Touch()

	// Destroy tears the workspace down. Idempotent.
	Destroy(ctx context.Context) error
}

// Config holds runtime manager configuration.
type Config struct {
	// BaseDir is where workspaces are created. Empty means the system
	// temp directory.
	BaseDir string

	// MaxIdle is how long an untouched runtime survives before the
	// reaper destroys it.
	MaxIdle time.Duration

	// ReapInterval is how often the reaper scans for idle runtimes.
	ReapInterval time.Duration

	// ExecTimeout overrides the per-command default inside runtimes.
	ExecTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = os.TempDir()
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 15 * time.Minute
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Minute
	}
}

// Manager provisions local runtimes and reaps the ones jobs abandoned.
type Manager struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	active  map[string]*localRuntime
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager returns a runtime manager. Call Start to enable reaping.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		config: cfg,
		logger: logger.Named("runtime"),
		active: make(map[string]*localRuntime),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Provision creates a fresh workspace. The label shows up in the directory
// name for operator forensics.
func (m *Manager) Provision(ctx context.Context, label string) (Runtime, error) {
	dir, err := os.MkdirTemp(m.config.BaseDir, "codeindexd-"+label+"-")
	if err != nil {
		return nil, fmt.Errorf("provisioning runtime workspace: %w", err)
	}

	rt := &localRuntime{
		id:       uuid.NewString(),
		dir:      dir,
		exec:     &shellexec.Local{Dir: dir, Timeout: m.config.ExecTimeout},
		lastUsed: time.Now(),
		manager:  m,
	}

	m.mu.Lock()
	m.active[rt.id] = rt
	m.mu.Unlock()

	m.logger.Debug(ctx, "runtime provisioned",
		zap.String("runtime_id", rt.id),
		zap.String("dir", dir),
	)
	return rt, nil
}

// Start runs the idle reaper until Close is called.
func (m *Manager) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.reapIdle(context.Background())
			}
		}
	}()
}

// reapIdle destroys runtimes untouched for longer than MaxIdle.
func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.config.MaxIdle)

	m.mu.Lock()
	var idle []*localRuntime
	for _, rt := range m.active {
		if rt.lastUsedTime().Before(cutoff) {
			idle = append(idle, rt)
		}
	}
	m.mu.Unlock()

	for _, rt := range idle {
		m.logger.Warn(ctx, "reaping idle runtime",
			zap.String("runtime_id", rt.id),
			zap.Time("last_used", rt.lastUsedTime()),
		)
		if err := rt.Destroy(ctx); err != nil {
			m.logger.Error(ctx, "failed to reap runtime",
				zap.String("runtime_id", rt.id),
				zap.Error(err),
			)
		}
	}
}

// Close stops the reaper and destroys all remaining runtimes.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}

	m.mu.Lock()
	remaining := make([]*localRuntime, 0, len(m.active))
	for _, rt := range m.active {
		remaining = append(remaining, rt)
	}
	m.mu.Unlock()

	var firstErr error
	for _, rt := range remaining {
		if err := rt.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// localRuntime is a workspace directory on the local host.
type localRuntime struct {
	id      string
	dir     string
	exec    *shellexec.Local
	manager *Manager

	mu        sync.Mutex
	lastUsed  time.Time
	destroyed bool
}

func (r *localRuntime) ID() string  { return r.id }
func (r *localRuntime) Dir() string { return r.dir }

func (r *localRuntime) Exec(ctx context.Context, cmd string) (shellexec.Result, error) {
	r.Touch()
	return r.exec.Exec(ctx, cmd)
}

func (r *localRuntime) Touch() {
	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()
}

func (r *localRuntime) lastUsedTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

func (r *localRuntime) Destroy(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	r.mu.Unlock()

	r.manager.unregister(r.id)
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("destroying runtime %s: %w", r.id, err)
	}
	return nil
}

var _ Runtime = (*localRuntime)(nil)
