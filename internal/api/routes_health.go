package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avrellis/modelsync/internal/collab"
	"github.com/avrellis/modelsync/pkg/response"
)

func healthHandler(mgr *collab.Manager, registry *collab.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{
			"status":   "ok",
			"time":     time.Now().UTC(),
			"sessions": mgr.SessionCount(),
			"rooms":    registry.Count(),
		})
	}
}
