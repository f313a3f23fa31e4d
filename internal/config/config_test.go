package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config."+env+".yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	dir := writeConfig(t, "test", `
server:
  node_id: node-a
auth:
  jwt_secret: s
  internal_token: t
signaling:
  request_retention: 90s
`)
	cfg, err := Load("test", dir)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, 90*time.Second, cfg.Signaling.RequestRetention)
	assert.Equal(t, 60*time.Second, cfg.Signaling.TombstoneTTL)
	assert.Equal(t, 256, cfg.WS.SendBuffer)
	assert.Equal(t, []string{"im.notifications", "im.messages"}, cfg.Kafka.NotificationTopics)
	assert.Equal(t, "realtime-service", cfg.Log.Service)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := writeConfig(t, "test", "auth:\n  jwt_secret: s\n")
	t.Setenv("RT_REDIS_ADDR", "redis:6380")
	t.Setenv("RT_AUTH_INTERNAL_TOKEN", "from-env")

	cfg, err := Load("test", dir)
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Auth.InternalToken)
}

func TestValidate(t *testing.T) {
	dir := writeConfig(t, "test", "ws:\n  ping_period: 70s\nauth:\n  jwt_secret: s\n  internal_token: t\n")
	_, err := Load("test", dir)
	assert.ErrorContains(t, err, "ping_period")

	dir = writeConfig(t, "test", "server:\n  mode: test\n")
	_, err = Load("test", dir)
	assert.ErrorContains(t, err, "jwt_secret")

	// /internal/* 没有密钥时不允许启动
	dir = writeConfig(t, "test", "auth:\n  jwt_secret: s\n")
	_, err = Load("test", dir)
	assert.ErrorContains(t, err, "internal_token")

	dir = writeConfig(t, "test", "auth:\n  allow_anonymous: true\n")
	cfg, err := Load("test", dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.InternalToken)
}
