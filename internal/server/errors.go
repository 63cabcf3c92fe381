package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/signaling"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	// Shortfall is set on payment_required responses: the amount missing
	// from the available balance, in minor units.
	Shortfall *int64 `json:"shortfall,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var insufficient *sessiondomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		shortfall := insufficient.Shortfall()
		return http.StatusPaymentRequired, errorPayload{
			Type:      "payment_required",
			Message:   "insufficient balance",
			Shortfall: &shortfall,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, walletdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_required",
			Message: "insufficient balance",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, sessiondomain.ErrUnauthorized),
		errors.Is(err, requestdomain.ErrUnauthorized):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, requestdomain.ErrExpired):
		return http.StatusGone, errorPayload{
			Type:    "expired",
			Message: "request expired",
		}
	case errors.Is(err, requestdomain.ErrProviderUnavailable),
		errors.Is(err, signaling.ErrPeerUnreachable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "peer_unavailable",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, walletdomain.ErrInvalidAmount),
		errors.Is(err, walletdomain.ErrInvalidCurrency),
		errors.Is(err, walletdomain.ErrInvalidAccount),
		errors.Is(err, sessiondomain.ErrInvalidRate),
		errors.Is(err, requestdomain.ErrInvalidKind),
		errors.Is(err, requestdomain.ErrInvalidMediaType),
		errors.Is(err, requestdomain.ErrSelfRequest):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, sessiondomain.ErrNotFound),
		errors.Is(err, requestdomain.ErrNotFound),
		errors.Is(err, walletdomain.ErrReservationNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, sessiondomain.ErrInvalidTransition),
		errors.Is(err, sessiondomain.ErrAlreadyResolved),
		errors.Is(err, sessiondomain.ErrNotBillable),
		errors.Is(err, sessiondomain.ErrNotPaused),
		errors.Is(err, requestdomain.ErrAlreadyResolved),
		errors.Is(err, requestdomain.ErrDuplicateRequest),
		errors.Is(err, walletdomain.ErrReservationExists),
		errors.Is(err, walletdomain.ErrReservationResolved),
		errors.Is(err, walletdomain.ErrReservationNotSettling):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return "internal", payload.Type
	case status >= 400:
		return "client", payload.Type
	default:
		return "", ""
	}
}
