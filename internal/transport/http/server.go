// Package http provides the HTTP server implementation for fleetd.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	v1 "github.com/xiaot623/fleetd/internal/transport/http/v1"
)

// ExternalOptions configures the operator-facing server.
type ExternalOptions struct {
	// OperatorToken is the bearer token operators must present. Empty
	// disables the check.
	OperatorToken string
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewExternalServer creates and configures the operator-facing HTTP server:
// the v1 API, the event stream and Prometheus metrics.
func NewExternalServer(deps v1.Deps, opts ExternalOptions, log logrus.FieldLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if opts.OperatorToken != "" {
		e.Use(operatorAuth(opts.OperatorToken))
	}

	// Handlers
	v1Handler := v1.NewHandler(deps)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return e
}

// NewInternalServer creates and configures the HTTP server for agents and
// delivery transports: check-in, report upload and acknowledgements.
func NewInternalServer(deps v1.Deps, log logrus.FieldLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())

	// Handlers
	v1Handler := v1.NewHandler(deps)

	// Register Routes
	v1Handler.RegisterInternalRoutes(e)
	e.GET("/health", v1Handler.Health)

	return e
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"remote_ip":  v.RemoteIP,
			})
			switch {
			case v.Error != nil:
				entry.WithError(v.Error).Error("request failed")
			case v.Status >= 500:
				entry.Warn("request")
			default:
				entry.Debug("request")
			}
			return nil
		},
	})
}
