package app

import (
	iauth "github.com/avrellis/modelsync/internal/auth"
	"github.com/avrellis/modelsync/internal/cache"
	"github.com/avrellis/modelsync/internal/collab"
)

// JWTVerifierConfig adapts the auth section into a verifier configuration.
func (c AuthConfig) JWTVerifierConfig() iauth.JWTConfig {
	return iauth.JWTConfig{
		Secret: c.JWT.Secret,
		Issuer: c.JWT.Issuer,
		Leeway: c.JWT.Leeway,
	}
}

// Settings adapts the collab section into engine settings.
func (c CollabConfig) Settings() collab.Settings {
	return collab.Settings{
		HeartbeatInterval:    c.HeartbeatInterval,
		MissedHeartbeatLimit: c.MissedHeartbeatLimit,
		ReconnectGrace:       c.ReconnectGrace,
		SendQueueSize:        c.SendQueueSize,
		MaxMessageBytes:      c.MaxMessageBytes,
	}
}

// RedisClientConfig adapts the cache section into mirror connection options.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  c.Redis.Address,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Timeout:  c.Redis.Timeout,
	}
}
