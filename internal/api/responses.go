package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/snarg/readalong/internal/fault"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation, fault.KindBadRequest:
		return http.StatusBadRequest
	case fault.KindAuth, fault.KindDecode:
		return http.StatusBadGateway
	case fault.KindRateLimit:
		return http.StatusTooManyRequests
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err with the status its kind maps to. Rate limit errors
// carry a Retry-After header when the provider gave one.
func WriteFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == "" {
		WriteErrorDetail(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	var fe *fault.Error
	if kind == fault.KindRateLimit && errors.As(err, &fe) && fe.RetryAfter > 0 {
		secs := int(math.Ceil(fe.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteErrorDetail(w, StatusFor(kind), string(kind), fault.Message(err))
}

// QueryInt extracts an integer query parameter. Returns 0, false if missing or invalid.
func QueryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
