// Package api provides HTTP handlers for the sketch duel API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/identity"
)

const maxJSONBody = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeTargetOffline, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeBlocked:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeClassifierUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error with its code. Errors without a
// domain code are logged and reported as internal.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := StatusFor(code)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path,
			"player_id", identity.PlayerIDFromContext(r.Context()))
		JSON(w, status, map[string]string{"error": "internal error", "code": string(domain.CodeUnknown)})
		return
	}

	var de *domain.Error
	msg := err.Error()
	if errors.As(err, &de) {
		msg = de.Message
	}
	JSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Errorf(domain.CodeValidation, "request body too large")
		}
		return domain.Errorf(domain.CodeValidation, "invalid request body")
	}
	return nil
}

// requirePlayer returns the caller's player ID or writes 401.
func requirePlayer(w http.ResponseWriter, r *http.Request) (string, bool) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if playerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return playerID, true
}
