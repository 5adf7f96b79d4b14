package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All packages MUST use these constants instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidUserID ErrorCode = "validation_invalid_user_id"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan   ErrorCode = "validation_invalid_plan"

	// Purchase flow terminal outcomes. These are user-actionable and are
	// never retried.
	ErrCodePurchaseCancelled       ErrorCode = "purchase_cancelled"
	ErrCodePurchaseNotAllowed      ErrorCode = "purchase_not_allowed"
	ErrCodePurchaseProductNotFound ErrorCode = "purchase_product_not_found"

	// Provider reported a completed purchase but the entitlement is not
	// active. Signals a provider-side inconsistency; the caller should
	// prompt "contact support" rather than "try again".
	ErrCodePurchaseEntitlementInactive ErrorCode = "purchase_entitlement_inactive"

	// Not Found (404)
	ErrCodeNotFoundProfile ErrorCode = "not_found_profile"

	// Upstream (502) -- transient provider/network failures, surfaced only
	// after local recovery (bounded retry, cache fallback) is exhausted.
	ErrCodeUpstreamProvider    ErrorCode = "upstream_provider_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_provider_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal (500)
	ErrCodeInternalStorage    ErrorCode = "internal_storage_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case c == ErrCodePurchaseProductNotFound:
		return http.StatusNotFound
	case c == ErrCodePurchaseCancelled:
		return http.StatusConflict
	case c == ErrCodePurchaseNotAllowed:
		return http.StatusForbidden
	case c == ErrCodePurchaseEntitlementInactive:
		return http.StatusPaymentRequired
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent error formatting,
// HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
