package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKey(t *testing.T) {
	t.Run("stable across calls", func(t *testing.T) {
		assert.Equal(t, LockKey("repo-1", "main"), LockKey("repo-1", "main"))
	})

	t.Run("distinct per branch", func(t *testing.T) {
		assert.NotEqual(t, LockKey("repo-1", "main"), LockKey("repo-1", "dev"))
	})

	t.Run("distinct per repository", func(t *testing.T) {
		assert.NotEqual(t, LockKey("repo-1", "main"), LockKey("repo-2", "main"))
	})
}

func TestWithIndexLockAcquiresAndReleases(t *testing.T) {
	s, mock := newMockStore(t)
	key := LockKey("repo-1", "main")

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	var ran bool
	err := s.WithIndexLock(context.Background(), "repo-1", "main", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithIndexLockReleasesOnError(t *testing.T) {
	s, mock := newMockStore(t)
	key := LockKey("repo-1", "main")

	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_lock")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_unlock")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	wantErr := errors.New("index decision failed")
	err := s.WithIndexLock(context.Background(), "repo-1", "main", func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
