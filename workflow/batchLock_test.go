package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithBatchLock_RunsDirectlyOffMySQL(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	err := withBatchLock(context.Background(), env.db, 7, func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	err = withBatchLock(context.Background(), env.db, 7, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestBatchLockName(t *testing.T) {
	assert.Equal(t, "recon:batch:42", batchLockName(42))
}
