package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/middleware"
)

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status code.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.EFORBIDDEN:
		return http.StatusForbidden
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests
	case domain.ENOTIMPL:
		return http.StatusNotImplemented
	case domain.EINTERNAL:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// ErrorResponse writes a domain error as a JSON error payload with the
// appropriate status code. Internal errors are logged with full detail and
// returned with a generic message. Rate limit errors get a Retry-After header
// and a retryAfter hint in the body.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)

	if code == domain.EINTERNAL {
		middleware.GetLogger(r.Context()).Error("internal error",
			"op", domain.ErrorOp(err),
			"error", err,
		)
	}

	body := errorBody{
		Code:    code,
		Message: domain.ErrorMessage(err),
	}

	if code == domain.ERATELIMIT {
		retryAfter := domain.RetryAfterSeconds(err)
		body.RetryAfter = retryAfter
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}

// ValidationErrorResponse writes field-level validation errors. Falls back to
// ErrorResponse for non-validation errors.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	fields := domain.GetValidationFields(err)
	if fields == nil {
		ErrorResponse(w, r, err)
		return
	}

	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    domain.EINVALID,
		Message: "Validation failed",
		Fields:  fields,
	}})
}

// NotFoundResponse writes a generic 404 error.
func NotFoundResponse(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(w, r, domain.Errorf(domain.ENOTFOUND, "", "Resource not found"))
}

// InternalErrorResponse writes a 500 error, logging the underlying cause.
func InternalErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ErrorResponse(w, r, domain.Internal(err, "", "An internal error occurred"))
}

// JSONResponse writes a successful JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON decodes a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.WrapError(err, domain.EINVALID, "", "Invalid JSON request body")
	}
	return nil
}
