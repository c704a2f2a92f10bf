package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/repository"
)

func TestFileTokenRepository(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	repo := repository.NewFileTokenRepository(path, logger)
	exerciseTokenRepository(t, repo)

	t.Run("file is private", func(t *testing.T) {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("survives reopen", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, repo.Set(ctx, repository.KeyRefresh, "r9"))

		reopened := repository.NewFileTokenRepository(path, logger)
		v, err := reopened.Get(ctx, repository.KeyRefresh)
		require.NoError(t, err)
		assert.Equal(t, "r9", v)
	})
}

func TestFileTokenRepository_CorruptFile(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	repo := repository.NewFileTokenRepository(path, logger)
	_, err := repo.Get(context.Background(), repository.KeyAccess)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Token file is corrupt, starting empty", hook.LastEntry().Message)

	require.NoError(t, repo.Set(context.Background(), repository.KeyAccess, "a"))
	v, err := repo.Get(context.Background(), repository.KeyAccess)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}
