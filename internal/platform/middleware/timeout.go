package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/fhir"
)

// RequestTimeout sets a context deadline on each request it wraps. If the
// deadline passes before the handler returns, the client gets a 504 with an
// OperationOutcome body. It is meant for short lookups; uploads carry their
// own batch deadline instead.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeoutError(c)
				}
				// Client went away.
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
		fhir.IssueSeverityError,
		fhir.IssueTypeTimeout,
		"Request processing exceeded the allowed time limit",
	))
}
