package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cartera/internal/ingest"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/internal/spreadsheet"
	"gorm.io/gorm"
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
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate_limited")

	ErrServiceUnavailable = errors.New("service_unavailable")
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
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorDetail(err, code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many uploads, retry later",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: notFoundMessage(err),
		}
	case isIngestError(err):
		// Job-level failures carry a message the uploader can act on.
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "ingest_error",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrReplaceFailed):
		return http.StatusInternalServerError, errorPayload{
			Type:    "replace_failed",
			Message: "records could not be replaced; nothing was changed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) string {
	_, payload := mapError(err)
	return payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	domain.ErrUnknownDataset,
	domain.ErrInvalidInsurer,
	domain.ErrInvalidPeriod,
	domain.ErrInvalidProvider,
	domain.ErrInvalidYear,
	domain.ErrInvalidRecord,
	domain.ErrEmptyUpload,
	refdomain.ErrInvalidReference,
	refdomain.ErrInvalidName,
	refdomain.ErrInvalidYear,
}

func isValidationError(err error) bool {
	return validationSentinel(err) != nil
}

func validationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, refdomain.ErrInsurerNotFound),
		errors.Is(err, refdomain.ErrProviderNotFound),
		errors.Is(err, refdomain.ErrPeriodNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isIngestError(err error) bool {
	switch {
	case errors.Is(err, ingest.ErrMissingRequiredColumns),
		errors.Is(err, ingest.ErrUnknownSchema),
		errors.Is(err, spreadsheet.ErrMalformedFile),
		errors.Is(err, spreadsheet.ErrEmptyDataset),
		errors.Is(err, spreadsheet.ErrFileTooLarge),
		errors.Is(err, spreadsheet.ErrTooManyRows):
		return true
	default:
		return false
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, refdomain.ErrInsurerNotFound):
		return "insurer not found"
	case errors.Is(err, refdomain.ErrProviderNotFound):
		return "provider not found"
	case errors.Is(err, refdomain.ErrPeriodNotFound):
		return "period not found"
	default:
		return "not found"
	}
}

// validationErrorCode returns the sentinel code of err, dropping any wrapped
// detail so "invalid_record: a30 ..." reports as invalid_record.
func validationErrorCode(err error) string {
	if sentinel := validationSentinel(err); sentinel != nil {
		return sentinel.Error()
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	switch code {
	case "unknown_dataset":
		return "dataset"
	case "empty_upload":
		return "file"
	}
	return ""
}

// validationErrorDetail keeps the wrapped detail of a rejected record.
func validationErrorDetail(err error, code string) string {
	if code == domain.ErrInvalidRecord.Error() {
		if i := strings.LastIndex(err.Error(), code+": "); i >= 0 {
			if detail := err.Error()[i+len(code)+2:]; detail != "" {
				return detail
			}
		}
	}
	return validationErrorMessage(code)
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_dataset":
		return "unknown dataset"
	case "empty_upload":
		return "file is empty"
	default:
		return "invalid value"
	}
}
