package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleetd/internal/domain"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindValidation:        http.StatusBadRequest,
	domain.KindNotFound:          http.StatusNotFound,
	domain.KindInvalidTransition: http.StatusConflict,
	domain.KindUnknownCategory:   http.StatusUnprocessableEntity,
	domain.KindSequenceTooOld:    http.StatusGone,
	domain.KindPolicyDenied:      http.StatusForbidden,
	domain.KindUnavailable:       http.StatusServiceUnavailable,
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	if status, ok := kindStatus[domain.KindOf(err)]; ok {
		return status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondError(c echo.Context, err error) error {
	status := StatusOf(err)
	detail := ErrorDetail{Code: "internal_error", Message: err.Error()}

	var de *domain.Error
	if errors.As(err, &de) {
		detail.Code = de.Code
		detail.Retryable = de.Retryable()
	} else {
		c.Logger().Errorf("request failed: %v", err)
		detail.Retryable = status == http.StatusGatewayTimeout
	}
	return c.JSON(status, ErrorBody{Error: detail})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    string(domain.KindValidation),
		Message: message,
	}})
}
