package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avrellis/modelsync/internal/app"
	iauth "github.com/avrellis/modelsync/internal/auth"
	"github.com/avrellis/modelsync/internal/collab"
	"github.com/avrellis/modelsync/internal/middleware"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
// The WebSocket endpoint authenticates in-band; the REST introspection
// surface uses bearer-token middleware.
func NewRouter(mgr *collab.Manager, registry *collab.Registry, verifier iauth.Verifier, cfg *app.Config) (*gin.Engine, error) {
	if mgr == nil {
		return nil, fmt.Errorf("connection manager must be provided")
	}
	if registry == nil {
		return nil, fmt.Errorf("room registry must be provided")
	}
	if verifier == nil {
		return nil, fmt.Errorf("token verifier must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", healthHandler(mgr, registry))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Collaboration transport
	r.GET("/ws", mgr.HandleWS)

	// Read-only introspection, tenant-scoped by the caller's claim
	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(verifier))
	{
		apiGroup.GET("/rooms", listRooms(registry))
		apiGroup.GET("/rooms/:id", getRoom(registry))
	}

	return r, nil
}
