package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/ratelimit"
)

// AuthLimiter guards register and login. Injected from main; successful
// logins reset the caller's counter so a legitimate user is not locked out
// by their own typos.
var AuthLimiter *ratelimit.Limiter

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func authPayload(user *database.User, token string, expiresAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"user":      user,
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	}
}

func Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := auth.ValidateEmail(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	taken, err := database.UserEmailTaken(req.Email)
	if err != nil {
		log.Printf("Check email availability: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if taken {
		writeError(w, http.StatusConflict, "An account with this email already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	user := &database.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Preferences:  "{}",
	}
	if err := database.CreateUser(user); err != nil {
		log.Printf("Create user: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	token, expiresAt, err := auth.GenerateToken(user.ID, user.Email)
	if err != nil {
		log.Printf("Generate token: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	log.Printf("Registered user %s", logging.Sanitize(user.Email))
	writeSuccess(w, http.StatusCreated, authPayload(user, token, expiresAt))
}

func Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := database.GetUserByEmail(req.Email)
	if err != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		// A miss and a wrong password answer identically.
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, expiresAt, err := auth.GenerateToken(user.ID, user.Email)
	if err != nil {
		log.Printf("Generate token: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := database.TouchLastLogin(user.ID); err != nil {
		log.Printf("Touch last login for %s: %v", user.ID, err)
	}
	if AuthLimiter != nil {
		AuthLimiter.Reset(middleware.ClientSource(r))
	}

	writeSuccess(w, http.StatusOK, authPayload(user, token, expiresAt))
}

func Verify(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": user})
}

type preferencesRequest struct {
	Preferences json.RawMessage `json:"preferences"`
}

// UpdatePreferences stores the client's opaque settings blob. The gateway
// never interprets it.
func UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Preferences) == 0 || !json.Valid(req.Preferences) {
		writeError(w, http.StatusBadRequest, "preferences must be a JSON value")
		return
	}

	user := middleware.GetUser(r)
	if err := database.UpdateUserPreferences(user.ID, string(req.Preferences)); err != nil {
		log.Printf("Update preferences for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"ok": true})
}
