package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"subguard/internal/types"
)

// maxRequestBodySize bounds request bodies (64 KB is generous for this API).
const maxRequestBodySize = 64 << 10

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error body returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes a success envelope with the given status code.
func JSON(w http.ResponseWriter, _ *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Data: data})
}

// Error writes an error envelope. AppErrors map to their HTTP status with
// code and message exposed; any other error becomes an opaque 500 so
// internal details never leak.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	reqID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: reqID,
		},
	})
}

// decodeBody decodes a bounded JSON request body into out.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request body", err)
	}
	return nil
}
