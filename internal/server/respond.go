package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tymrtn/envelope/internal/imap"
	"github.com/tymrtn/envelope/internal/ratelimit"
	"github.com/tymrtn/envelope/internal/smtp"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

// writeClassifiedError maps typed error kinds onto HTTP statuses:
// submission/retrieval failures surface as 502, admission control as 429.
func writeClassifiedError(w http.ResponseWriter, err error) {
	var rl *ratelimit.ErrRateLimited
	if errors.As(err, &rl) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "rate_limit_exceeded",
			"limit": rl.Limit,
		})
		return
	}
	if se, ok := smtp.AsSendError(err); ok {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  se.Kind,
			"detail": se.Message,
		})
		return
	}
	if ie, ok := imap.AsError(err); ok {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  ie.Kind,
			"detail": ie.Message,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
