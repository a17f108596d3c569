// README: Auth middleware; verifies Firebase ID tokens and exposes the caller to handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"emsdispatch/internal/infra"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"

	// RoleClaim is the custom claim carrying the caller's role. Callers without it are patients.
	RoleClaim = "role"

	DebugUIDHeader  = "X-Debug-UID"
	DebugRoleHeader = "X-Debug-Role"
)

// Auth requires a valid "Authorization: Bearer <Firebase ID token>" header.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		verified, err := verifier.VerifyIDToken(c.Request.Context(), token)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		setCaller(c, verified.UID, roleFromClaims(verified.Claims))
		c.Next()
	}
}

// DebugAuth trusts X-Debug-UID and X-Debug-Role. Only for local runs with auth disabled.
func DebugAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(DebugUIDHeader)
		if uid == "" {
			uid = c.Query("debug_uid")
		}
		if uid == "" {
			unauthorized(c, "missing "+DebugUIDHeader)
			return
		}
		role := c.GetHeader(DebugRoleHeader)
		if role == "" {
			role = c.Query("debug_role")
		}
		setCaller(c, uid, parseRole(role))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if raw := c.GetHeader("Authorization"); raw != "" {
		token, ok := strings.CutPrefix(raw, "Bearer ")
		token = strings.TrimSpace(token)
		return token, ok && token != ""
	}
	// Browsers cannot set headers on a websocket upgrade.
	if websocketUpgrade(c) {
		token := c.Query("access_token")
		return token, token != ""
	}
	return "", false
}

func websocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// Caller returns the authenticated actor.
func Caller(c *gin.Context) request.Actor {
	return request.Actor{ID: types.ID(CallerUID(c)), Role: request.ActorRole(CallerRole(c))}
}

func setCaller(c *gin.Context, uid string, role request.ActorRole) {
	c.Set(ctxUID, uid)
	c.Set(ctxRole, string(role))
}

func roleFromClaims(claims map[string]interface{}) request.ActorRole {
	role, _ := claims[RoleClaim].(string)
	return parseRole(role)
}

// parseRole never grants the system role to a remote caller.
func parseRole(role string) request.ActorRole {
	switch request.ActorRole(role) {
	case request.RoleParamedic:
		return request.RoleParamedic
	case request.RoleAdmin:
		return request.RoleAdmin
	}
	return request.RolePatient
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized", "kind": "invalid"})
}
