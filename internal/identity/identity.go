// Package identity provides anonymous per-participant identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const (
	// ParticipantCookieName carries the stable anonymous participant ID.
	ParticipantCookieName = "pgg_participant_id"
	// PositionCookieName is a secondary hint echoing the journey position,
	// used to recover when the primary journey state is lost.
	PositionCookieName = "pgg_position"

	participantCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const participantIDKey contextKey = iota

// Participant IDs are 16 lowercase hex chars, matching the recruitment
// platform's expected identifier shape.
var participantIDPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// PositionHint is the client-held echo of the journey position.
type PositionHint struct {
	Page       string `json:"page"`
	SessionNum int    `json:"session_num"`
	RoundNum   int    `json:"round_num"`
}

// ParticipantIDFromContext extracts the participant ID from the request context.
func ParticipantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantIDKey).(string); ok {
		return v
	}
	return ""
}

func generateParticipantID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsValidParticipantID reports whether id has the expected shape.
func IsValidParticipantID(id string) bool {
	return participantIDPattern.MatchString(id)
}

func setParticipantCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ParticipantCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(participantCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(participantCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateParticipantID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(ParticipantCookieName); err == nil && IsValidParticipantID(c.Value) {
		setParticipantCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateParticipantID()
	if err != nil {
		return "", err
	}
	setParticipantCookie(w, id, isDev)
	return id, nil
}

// Middleware injects a stable anonymous participant ID, issuing one on first
// contact and re-extending the cookie on every request.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			participantID, err := getOrCreateParticipantID(w, r, isDev)
			if err != nil {
				http.Error(w, "failed to establish participant identity", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), participantIDKey, participantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetPositionHint writes the secondary position cookie.
func SetPositionHint(w http.ResponseWriter, hint PositionHint, isDev bool) {
	payload, err := json.Marshal(hint)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     PositionCookieName,
		Value:    hex.EncodeToString(payload),
		Path:     "/",
		MaxAge:   int(participantCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// PositionHintFromRequest reads the secondary position cookie, if present
// and well-formed.
func PositionHintFromRequest(r *http.Request) (PositionHint, bool) {
	c, err := r.Cookie(PositionCookieName)
	if err != nil {
		return PositionHint{}, false
	}
	payload, err := hex.DecodeString(c.Value)
	if err != nil {
		return PositionHint{}, false
	}
	var hint PositionHint
	if err := json.Unmarshal(payload, &hint); err != nil {
		return PositionHint{}, false
	}
	return hint, true
}
