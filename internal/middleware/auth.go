package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/avrellis/modelsync/internal/auth"
	"github.com/avrellis/modelsync/pkg/errors"
	"github.com/avrellis/modelsync/pkg/response"
)

const (
	CtxUserIDKey   = "userID"
	CtxTenantIDKey = "tenantID"
)

// Auth enforces bearer-token authentication using the supplied verifier.
func Auth(verifier iauth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		id, err := verifier.Verify(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxUserIDKey, id.UserID)
		c.Set(CtxTenantIDKey, id.TenantID)

		c.Next()
	}
}
