package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// errorBody is the error half of the response envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteOK renders a success envelope: {"ok": true} merged with the payload
// fields.
func WriteOK(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// WriteFault renders {"ok": false, "error": {code, message, details?}} with
// the status the fault kind maps to. Internal faults are logged and their
// message replaced so causes never leak to callers.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	f := fault.From(err)
	status := fault.HTTPStatus(err)
	msg := f.Message
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", f.Code,
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": errorBody{
			Code:    f.Code,
			Message: msg,
			Details: f.Details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// maxRequestBody caps inbound JSON bodies.
const maxRequestBody = 1 << 20

// decodeJSON decodes a capped request body into dst, surfacing decode
// problems as validation faults.
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fault.Validation("request_too_large", "request body exceeds 1 MiB")
		}
		return fault.Validation("malformed_json", "request body is not valid JSON").WithCause(err)
	}
	return nil
}
