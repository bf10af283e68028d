package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: health checks and metrics.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/health/relay": true,
	"/metrics":      true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
// Pass it as the Skipper on JWTConfig or to DevAuthMiddleware.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
