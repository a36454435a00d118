package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/database"
)

type contextKey string

const (
	userContextKey  contextKey = "user"
	tokenContextKey contextKey = "token"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
		"success": false,
		"error":   "Authentication required",
	})
}

// StripTokenQuery moves the token query parameter into the request context
// and rewrites the URL without it. Mounted ahead of the request logger so
// bearer tokens on websocket handshakes never reach the access log.
func StripTokenQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		token := q.Get("token")
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		q.Del("token")
		r.URL.RawQuery = q.Encode()
		r.RequestURI = r.URL.RequestURI()
		ctx := context.WithValue(r.Context(), tokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from the Authorization header, or from the
// token query parameter (stashed in the context by StripTokenQuery) for
// websocket handshakes where browsers cannot set headers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if token, ok := r.Context().Value(tokenContextKey).(string); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// RequireAuth verifies the bearer token and loads the user into the request
// context. Unauthenticated requests get the error envelope, never a
// redirect.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}

		claims, err := auth.VerifyToken(token)
		if err != nil {
			unauthorized(w)
			return
		}

		user, err := database.GetUserByID(claims.UserID)
		if err != nil {
			unauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}
