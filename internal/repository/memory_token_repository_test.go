package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/repository"
)

// exerciseTokenRepository runs the behaviour every backend must share.
func exerciseTokenRepository(t *testing.T, repo repository.TokenRepository) {
	t.Helper()
	ctx := context.Background()

	_, err := repo.Get(ctx, repository.KeyAccess)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repo.Set(ctx, repository.KeyAccess, "a1"))
	require.NoError(t, repo.Set(ctx, repository.KeyRefresh, "r1"))
	require.NoError(t, repo.Set(ctx, repository.KeyIdleTimeoutSeconds, "2000"))

	v, err := repo.Get(ctx, repository.KeyAccess)
	require.NoError(t, err)
	assert.Equal(t, "a1", v)

	require.NoError(t, repo.Set(ctx, repository.KeyAccess, "a2"))
	v, err = repo.Get(ctx, repository.KeyAccess)
	require.NoError(t, err)
	assert.Equal(t, "a2", v)

	require.NoError(t, repo.Delete(ctx, repository.KeyAccess, repository.KeyRefresh))
	_, err = repo.Get(ctx, repository.KeyAccess)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.Get(ctx, repository.KeyRefresh)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// deleting missing keys is fine
	require.NoError(t, repo.Delete(ctx, repository.KeyAccess))

	v, err = repo.Get(ctx, repository.KeyIdleTimeoutSeconds)
	require.NoError(t, err)
	assert.Equal(t, "2000", v)
}

func TestMemoryTokenRepository(t *testing.T) {
	t.Parallel()

	repo := repository.NewMemoryTokenRepository()
	exerciseTokenRepository(t, repo)

	assert.Equal(t, map[string]string{repository.KeyIdleTimeoutSeconds: "2000"}, repo.Snapshot())
}
