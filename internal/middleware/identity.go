package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"

	// Headers set by the upstream gateway when it authenticates requests.
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// Identity returns the authentication middleware for the deployment: JWT
// verification when a secret is configured, gateway headers otherwise.
func Identity(jwtSecret string) echo.MiddlewareFunc {
	if jwtSecret != "" {
		return JWTAuth(jwtSecret)
	}
	return GatewayIdentity()
}

// GatewayIdentity trusts the X-User-Id and X-User-Role headers of an
// authenticating gateway.  Requests without a numeric user id get 401.
func GatewayIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			uid, ok := parseUserID(h.Get(HeaderUserID))
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing user identity"})
			}
			c.Set(userIDKey, uid)
			if role := strings.TrimSpace(h.Get(HeaderUserRole)); role != "" {
				c.Set(roleKey, normalizeRole(role))
			}
			return next(c)
		}
	}
}

// normalizeRole makes roles compare case-insensitively.
func normalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// UserID returns the authenticated user id stored by Identity.
func UserID(c echo.Context) (int64, bool) {
	uid, ok := c.Get(userIDKey).(int64)
	return uid, ok
}

// parseUserID accepts the id as a JSON number or a decimal string.
func parseUserID(v any) (int64, bool) {
	var n int64
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		n = int64(t)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	return n, n > 0
}

// currentUserID is the user part of rate limit keys.
func currentUserID(c echo.Context) string {
	if uid, ok := UserID(c); ok {
		return strconv.FormatInt(uid, 10)
	}
	return "anon"
}
