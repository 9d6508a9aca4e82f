// Package identity provides anonymous per-device player identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	PlayerCookieName      = "sketch_player_id"
	SessionHeaderName     = "X-Sketch-Session-ID"
	DisplayNameHeaderName = "X-Sketch-Display-Name"
	DefaultSessionIDValue = "default"
	playerCookieMaxAge    = 30 * 24 * time.Hour
	maxDisplayNameRunes   = 32
)

type contextKey int

const (
	playerIDKey contextKey = iota
	displayNameKey
	sessionIDKey
)

var (
	playerIDPattern  = regexp.MustCompile(`^player_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// PlayerIDFromContext extracts the player ID from the request context.
func PlayerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(playerIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the display name from the request context.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithPlayer returns a context carrying the given identity.
func WithPlayer(ctx context.Context, playerID, displayName, sessionID string) context.Context {
	ctx = context.WithValue(ctx, playerIDKey, playerID)
	ctx = context.WithValue(ctx, displayNameKey, displayName)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generatePlayerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate player id: %w", err)
	}
	return "player_" + hex.EncodeToString(buf), nil
}

func isValidPlayerID(id string) bool {
	return playerIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// DeriveDisplayName returns a stable fallback name for a player ID.
func DeriveDisplayName(playerID string) string {
	if len(playerID) > 15 {
		return "player-" + playerID[len(playerID)-6:]
	}
	return "player"
}

func sanitizeDisplayName(name, playerID string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return DeriveDisplayName(playerID)
	}
	if utf8.RuneCountInString(name) > maxDisplayNameRunes {
		name = string([]rune(name)[:maxDisplayNameRunes])
	}
	return name
}

func setPlayerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     PlayerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(playerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(playerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreatePlayerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(PlayerCookieName); err == nil && isValidPlayerID(c.Value) {
		setPlayerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generatePlayerID()
	if err != nil {
		return "", err
	}
	setPlayerCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

func displayNameFromRequest(r *http.Request, playerID string) string {
	name := r.Header.Get(DisplayNameHeaderName)
	if name == "" {
		name = r.URL.Query().Get("display_name")
	}
	return sanitizeDisplayName(name, playerID)
}

// Middleware injects anonymous per-device identity and per-request tab session ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			playerID, err := getOrCreatePlayerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish player identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithPlayer(r.Context(), playerID, displayNameFromRequest(r, playerID), sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
