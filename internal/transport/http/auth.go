package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	v1 "github.com/xiaot623/fleetd/internal/transport/http/v1"
)

// operatorAuth requires "Authorization: Bearer <token>". Browsers cannot set
// headers on a WebSocket upgrade, so the token is also read from ?token=.
func operatorAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization + ",query:token",
		AuthScheme: "Bearer",
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, v1.ErrorBody{Error: v1.ErrorDetail{
				Code:    "unauthorized",
				Message: "a valid operator token is required",
			}})
		},
	})
}
