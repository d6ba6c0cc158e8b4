package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avrellis/modelsync/internal/collab"
	"github.com/avrellis/modelsync/internal/middleware"
	"github.com/avrellis/modelsync/pkg/errors"
	"github.com/avrellis/modelsync/pkg/response"
)

// listRooms returns summaries of the live rooms belonging to the caller's
// tenant. Lookup is always tenant-scoped; other tenants' rooms are invisible.
func listRooms(registry *collab.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.CtxTenantIDKey)
		if tenantID == "" {
			response.Error(c, errors.ErrUnauthorized)
			return
		}
		response.Success(c, http.StatusOK, registry.RoomsForTenant(tenantID))
	}
}

func getRoom(registry *collab.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.CtxTenantIDKey)
		if tenantID == "" {
			response.Error(c, errors.ErrUnauthorized)
			return
		}

		room, ok := registry.Get(tenantID, c.Param("id"))
		if !ok {
			response.Error(c, errors.ErrRoomNotFound)
			return
		}
		response.Success(c, http.StatusOK, room.Info())
	}
}
