package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/noema/forge/internal/apperr"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindInvalidInput:      http.StatusBadRequest,
	apperr.KindInsufficientFunds: http.StatusPaymentRequired,
	apperr.KindConflict:          http.StatusConflict,
	apperr.KindUnauthorized:      http.StatusUnauthorized,
	apperr.KindForbidden:         http.StatusForbidden,
	apperr.KindUpstreamFailed:    http.StatusBadGateway,
	apperr.KindSettlementFailed:  http.StatusInternalServerError,
	apperr.KindTimeout:           http.StatusGatewayTimeout,
	apperr.KindRateLimited:       http.StatusTooManyRequests,
	apperr.KindPaymentRequired:   http.StatusPaymentRequired,
	apperr.KindInternal:          http.StatusInternalServerError,
}

// writeError maps an internal error to the REST error envelope
// {"error": {"code", "message"}}, never leaking the wrapped cause.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	var message string
	var appErr *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		appErr = e
		message = appErr.Message
	} else {
		message = "internal error"
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(kind),
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apperr.New(apperr.KindInvalidInput, "request body required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "malformed request body", err)
	}
	return nil
}
