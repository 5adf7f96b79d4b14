package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidUserID, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidPlan, http.StatusBadRequest},
		{ErrCodePurchaseCancelled, http.StatusConflict},
		{ErrCodePurchaseNotAllowed, http.StatusForbidden},
		{ErrCodePurchaseProductNotFound, http.StatusNotFound},
		{ErrCodePurchaseEntitlementInactive, http.StatusPaymentRequired},
		{ErrCodeNotFoundProfile, http.StatusNotFound},
		{ErrCodeUpstreamProvider, http.StatusBadGateway},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeInternalStorage, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewAppError(ErrCodeUpstreamUnavailable, "provider unreachable", inner)

	if err.Error() != "upstream_provider_unavailable: provider unreachable" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap must expose the inner error")
	}
}

func TestAppError_ErrorsAsThroughWrapping(t *testing.T) {
	inner := NewAppError(ErrCodePurchaseCancelled, "cancelled", nil)
	wrapped := NewAppError(ErrCodeInternalUnexpected, "outer", inner)

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As failed")
	}
	if appErr.Code != ErrCodeInternalUnexpected {
		t.Errorf("errors.As must find the outermost AppError, got %s", appErr.Code)
	}
}

func TestNewAppErrorWithDetails(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeUpstreamUnavailable, "gone", nil, map[string]any{"attempts": 3})
	if err.Details["attempts"] != 3 {
		t.Errorf("Details = %v", err.Details)
	}
}
