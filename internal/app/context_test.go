package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflowline/internal/cache"
	"reflowline/internal/config"
	"reflowline/internal/engine/auth"
)

func TestInitMakesActorOwnerAndReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, created, err := Init(ctx, dir, "voyage-3", "user:lead", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "voyage-3", w.Config.Project.ID)
	assert.Equal(t, []string{"owner"}, w.Config.RBAC.Actors["user:lead"])
	require.NoError(t, w.Engine.Authz().Require(ctx, "user:lead", auth.PermReflowApply))
	assert.IsType(t, &cache.SQLite{}, w.Engine.Cache)
	require.NoError(t, w.Close())

	w, created, err = Init(ctx, dir, "ignored", "user:other", nil)
	require.NoError(t, err)
	assert.False(t, created, "an existing config is kept")
	assert.Equal(t, "voyage-3", w.Config.Project.ID)
	require.NoError(t, w.Close())
}

func TestOpenSeedsLiveConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault("p1")), 0o644))
	live := config.NewLive(nil)
	w, err := Open(context.Background(), Options{Workspace: dir, Live: live})
	require.NoError(t, err)
	defer w.Close()
	require.NotNil(t, live.Load())
	assert.Equal(t, "p1", live.Load().Project.ID)
}

func TestOpenWithoutConfigFails(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rl init")
}

func TestLoadEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadEnv(t.TempDir()))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REFLOWLINE_TEST_ENV_PROBE=yes\n"), 0o644))
	t.Setenv("REFLOWLINE_TEST_ENV_PROBE", "")
	os.Unsetenv("REFLOWLINE_TEST_ENV_PROBE")
	require.NoError(t, LoadEnv(dir))
	assert.Equal(t, "yes", os.Getenv("REFLOWLINE_TEST_ENV_PROBE"))
}
