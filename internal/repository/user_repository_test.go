package repository_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/repository"
)

func TestUserRepository(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	repo := repository.NewUserRepository(logger)
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx, "admin:secret:staff|superuser, viewer:pw"))

	t.Run("authenticates with correct password", func(t *testing.T) {
		user, err := repo.Authenticate(ctx, "Admin", "secret")
		require.NoError(t, err)
		assert.True(t, user.IsStaff)
		assert.True(t, user.IsSuperuser)

		byID, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "admin", byID.Username)
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		_, err := repo.Authenticate(ctx, "viewer", "nope")
		assert.ErrorIs(t, err, repository.ErrUserNotFound)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := repo.Create(ctx, "viewer", "x", false, false)
		assert.ErrorIs(t, err, repository.ErrUserExists)
	})

	t.Run("deactivated users cannot log in", func(t *testing.T) {
		user, err := repo.Create(ctx, "temp", "pw", false, false)
		require.NoError(t, err)
		require.NoError(t, repo.Deactivate(ctx, user.ID))

		_, err = repo.Authenticate(ctx, "temp", "pw")
		assert.ErrorIs(t, err, repository.ErrUserNotFound)
	})

	t.Run("rejects malformed seed", func(t *testing.T) {
		assert.Error(t, repo.Seed(ctx, "lonely"))
		assert.Error(t, repo.Seed(ctx, "x:y:wizard"))
	})
}
