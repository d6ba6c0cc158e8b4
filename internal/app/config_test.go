package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)

	require.Equal(t, "test-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "modelsync-test", cfg.Auth.JWT.Issuer)
	require.Equal(t, 10*time.Second, cfg.Auth.JWT.Leeway)

	require.Equal(t, 15*time.Second, cfg.Collab.HeartbeatInterval)
	require.Equal(t, 2, cfg.Collab.MissedHeartbeatLimit)
	require.Equal(t, 45*time.Second, cfg.Collab.ReconnectGrace)
	require.Equal(t, 90*time.Second, cfg.Collab.RoomDestroyGrace)
	require.Equal(t, 128, cfg.Collab.SendQueueSize)
	require.Equal(t, 25*time.Millisecond, cfg.Collab.CursorCoalesceWindow)
	require.Equal(t, int64(524288), cfg.Collab.MaxMessageBytes)
	require.Equal(t, 8, cfg.Collab.RegistryShards)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.Equal(t, 3*time.Second, cfg.Cache.Redis.Timeout)

	require.False(t, cfg.Monitoring.Prometheus.Enabled)
	require.True(t, cfg.Monitoring.Health.Enabled)

	require.False(t, cfg.Maintenance.Enabled)
	require.Equal(t, "@every 1m", cfg.Maintenance.SweepSpec)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MODELSYNC_AUTH_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Collab.HeartbeatInterval)
	require.Equal(t, 3, cfg.Collab.MissedHeartbeatLimit)
	require.Equal(t, time.Minute, cfg.Collab.ReconnectGrace)
	require.Equal(t, time.Minute, cfg.Collab.RoomDestroyGrace)
	require.Equal(t, 64, cfg.Collab.SendQueueSize)
	require.Equal(t, 50*time.Millisecond, cfg.Collab.CursorCoalesceWindow)
	require.Equal(t, int64(1<<20), cfg.Collab.MaxMessageBytes)
	require.Equal(t, 16, cfg.Collab.RegistryShards)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, "@every 5m", cfg.Maintenance.SweepSpec)

	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MODELSYNC_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("MODELSYNC_SERVER_PORT", "7100")
	t.Setenv("MODELSYNC_COLLAB_SEND_QUEUE_SIZE", "256")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7100, cfg.Server.Port)
	require.Equal(t, 256, cfg.Collab.SendQueueSize)
}

func TestLoadConfigRejectsMissingSecret(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "secret")
}

func TestConfigAdapters(t *testing.T) {
	cfg := Config{
		Auth: AuthConfig{JWT: JWTSettings{Secret: "s", Issuer: "i", Leeway: 5 * time.Second}},
		Collab: CollabConfig{
			HeartbeatInterval:    time.Second,
			MissedHeartbeatLimit: 4,
			ReconnectGrace:       2 * time.Second,
			SendQueueSize:        9,
			MaxMessageBytes:      2048,
		},
		Cache: CacheConfig{Redis: RedisCacheConfig{Address: "localhost:6379", DB: 1, Timeout: time.Second}},
	}

	jwtCfg := cfg.Auth.JWTVerifierConfig()
	require.Equal(t, "s", jwtCfg.Secret)
	require.Equal(t, "i", jwtCfg.Issuer)
	require.Equal(t, 5*time.Second, jwtCfg.Leeway)

	settings := cfg.Collab.Settings()
	require.Equal(t, time.Second, settings.HeartbeatInterval)
	require.Equal(t, 4, settings.MissedHeartbeatLimit)
	require.Equal(t, 2*time.Second, settings.ReconnectGrace)
	require.Equal(t, 9, settings.SendQueueSize)
	require.Equal(t, int64(2048), settings.MaxMessageBytes)

	redisCfg := cfg.Cache.RedisClientConfig()
	require.Equal(t, "localhost:6379", redisCfg.Address)
	require.Equal(t, 1, redisCfg.DB)
	require.Equal(t, time.Second, redisCfg.Timeout)
}
