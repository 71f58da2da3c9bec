package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("yard-7")))
	require.NoError(t, err)
	assert.Equal(t, "yard-7", cfg.Project.ID)
	assert.Equal(t, 540, cfg.Reflow.WorkdayMinutes)
	assert.Equal(t, "live", cfg.Reflow.ViewMode)
	assert.Contains(t, cfg.RBAC.Roles["owner"].Permissions, "apikey.manage")
	assert.Contains(t, cfg.Evidence.Catalog, "ptw")
	assert.Equal(t, 15*time.Minute, cfg.PreviewTTL())
	assert.Nil(t, cfg.ProjectEndTime())

	assert.Equal(t, cfg, Default("yard-7"))
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.ErrorContains(t, err, "rl init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("p1")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "p1", cfg.Project.ID)
}

func TestProjectEndIsUTC(t *testing.T) {
	cfg := Default("p1")
	cfg.Reflow.ProjectEnd = "2026-03-01T18:00:00+02:00"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC), *cfg.ProjectEndTime())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing project", func(c *Config) { c.Project.ID = "" }, "project.id is required"},
		{"workday too long", func(c *Config) { c.Reflow.WorkdayMinutes = 1441 }, "workday_minutes"},
		{"project end not rfc3339", func(c *Config) { c.Reflow.ProjectEnd = "tomorrow" }, "project_end must be RFC3339"},
		{"unknown view mode", func(c *Config) { c.Reflow.ViewMode = "draft" }, "view_mode"},
		{"empty frozen segment", func(c *Config) { c.Freeze.FrozenFields = []string{"activities..plan"} }, "empty segment"},
		{"no owner role", func(c *Config) { delete(c.RBAC.Roles, "owner") }, "must include owner"},
		{"unknown actor role", func(c *Config) { c.RBAC.Actors = map[string][]string{"ana": {"admiral"}} }, "unknown role admiral"},
		{"negative ttl", func(c *Config) { c.Cache.PreviewTTLSeconds = -1 }, "preview_ttl_seconds"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{Events: []string{"reflow.applied"}}} }, "webhooks[0].url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("p1")
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestFromYAMLRejectsMalformed(t *testing.T) {
	_, err := FromYAML([]byte("project: [unclosed"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchReloadsAndKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(GenerateDefault("p1")), 0o644))
	initial, err := FromFile(path)
	require.NoError(t, err)
	live := NewLive(initial)

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, live, logger) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// The watcher may not be registered yet, so keep writing (slower than the reload delay) until it picks the change up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(GenerateDefault("p2")), 0o644)
		return live.Load().Project.ID == "p2"
	}, 5*time.Second, 300*time.Millisecond)

	rejected := strings.Count(logs.String(), "config reload rejected")
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(GenerateDefault("p3"), "view_mode: live", "view_mode: draft", 1)), 0o644))
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "config reload rejected") > rejected
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "p2", live.Load().Project.ID)
}
