package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/obs"
)

type errorBody struct {
	Code          apperr.Code `json:"code"`
	Message       string      `json:"message"`
	Hint          string      `json:"hint,omitempty"`
	NextAllowedAt *time.Time  `json:"next_allowed_at,omitempty"`
	Fields        []string    `json:"fields,omitempty"`
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its stable (status, code, message, hint)
// tuple. Errors outside the taxonomy render as INTERNAL and are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ae *apperr.Error
		d  apperr.Descriptor
	)
	if errors.As(err, &ae) {
		d = ae.Descriptor()
	} else {
		d = apperr.Describe(apperr.Internal)
	}
	if d.Status >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"code", d.Code,
			"error", err,
		)
	}

	body := errorBody{Code: d.Code, Message: d.Message, Hint: d.Hint}
	if ae != nil {
		body.Fields = ae.Fields
		if !ae.NextAllowedAt.IsZero() {
			next := ae.NextAllowedAt.UTC()
			body.NextAllowedAt = &next
			w.Header().Set("Retry-After", retryAfter(next, time.Now()))
		}
	}
	writeJSON(w, d.Status, errorEnvelope{Error: body, RequestID: RequestIDFromContext(r.Context())})
}

func retryAfter(next, now time.Time) string {
	secs := int64(math.Ceil(next.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// decodeJSON reads a single JSON object from the request body. Unknown
// fields and trailing data are rejected.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequest("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invalidRequest("request body is too large")
		}
		if errors.Is(err, io.EOF) {
			return invalidRequest("request body is required")
		}
		return &apperr.Error{Code: apperr.InvalidRequest, Message: fmt.Sprintf("malformed request body: %v", err), Err: err}
	}
	if dec.More() {
		return invalidRequest("request body must contain a single JSON object")
	}
	return nil
}

func invalidRequest(msg string) error {
	return &apperr.Error{Code: apperr.InvalidRequest, Message: msg}
}
