package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// unlockTimeout bounds the advisory unlock call. If it fails the connection
// is closed, which releases session locks regardless.
const unlockTimeout = 5 * time.Second

// LockKey derives the advisory lock key for a (repository, branch) pair:
// the first 8 bytes of sha256("{repositoryID}:{branch}") as a signed int64.
func LockKey(repositoryID, branch string) int64 {
	sum := sha256.Sum256([]byte(repositoryID + ":" + branch))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// WithIndexLock runs fn while holding the Postgres advisory lock for the
// (repository, branch) pair. The lock lives on a dedicated connection and
// blocks until acquired, serializing index decisions across processes.
func (s *Store) WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(context.Context) error) error {
	key := LockKey(repositoryID, branch)

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquiring lock connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquiring index lock %d: %w", key, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			s.logger.Warn(unlockCtx, "failed to release index lock",
				zap.Int64("lock_key", key),
				zap.Error(err),
			)
		}
	}()

	return fn(ctx)
}
