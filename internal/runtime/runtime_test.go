package runtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

func TestProvisionAndExec(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{BaseDir: t.TempDir()}, logging.NewNop())
	t.Cleanup(func() { _ = m.Close(ctx) })

	rt, err := m.Provision(ctx, "clone")
	require.NoError(t, err)

	assert.NotEmpty(t, rt.ID())
	assert.DirExists(t, rt.Dir())
	assert.Contains(t, rt.Dir(), "codeindexd-clone-")

	res, err := rt.Exec(ctx, "pwd")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, rt.Dir(), strings.TrimSpace(res.Stdout))
}

func TestDestroyRemovesWorkspace(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{BaseDir: t.TempDir()}, logging.NewNop())
	t.Cleanup(func() { _ = m.Close(ctx) })

	rt, err := m.Provision(ctx, "job")
	require.NoError(t, err)
	dir := rt.Dir()

	require.NoError(t, rt.Destroy(ctx))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Idempotent.
	require.NoError(t, rt.Destroy(ctx))
}

func TestReapIdleDestroysStaleRuntimes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{BaseDir: t.TempDir(), MaxIdle: 50 * time.Millisecond}, logging.NewNop())
	t.Cleanup(func() { _ = m.Close(ctx) })

	stale, err := m.Provision(ctx, "stale")
	require.NoError(t, err)
	fresh, err := m.Provision(ctx, "fresh")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	fresh.Touch()
	m.reapIdle(ctx)

	_, staleErr := os.Stat(stale.Dir())
	assert.True(t, os.IsNotExist(staleErr), "stale runtime should have been reaped")
	assert.DirExists(t, fresh.Dir())
}

func TestCloseDestroysEverything(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{BaseDir: t.TempDir()}, logging.NewNop())
	m.Start()

	rt, err := m.Provision(ctx, "job")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	_, statErr := os.Stat(rt.Dir())
	assert.True(t, os.IsNotExist(statErr))
}
