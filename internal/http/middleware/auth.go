// README: Firebase ID-token auth middleware; exposes the caller's uid and role claim.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridepool/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"

	RoleRider  = infra.RoleRider
	RoleDriver = infra.RoleDriver
	RoleAdmin  = infra.RoleAdmin
)

// Auth rejects requests without a valid "Bearer <id token>" header.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		caller, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || caller == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role := caller.Role
		if role == "" {
			role = RoleRider
		}
		c.Set(ctxCallerUID, caller.UID)
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

// CallerUID is empty when the request was not authenticated (auth disabled).
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}

// Authenticated reports whether Auth ran for this request.
func Authenticated(c *gin.Context) bool {
	_, ok := c.Get(ctxCallerUID)
	return ok
}
