package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/somnolog/somnolog/internal/auth"
	"github.com/somnolog/somnolog/internal/email"
	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
)

const sessionCookieName = "somnolog_session"

type AuthHandler struct {
	users    *store.UserStore
	sessions *store.SessionStore
	credits  *store.CreditStore
	email    *email.Client
	logger   *slog.Logger
}

func NewAuthHandler(
	users *store.UserStore,
	sessions *store.SessionStore,
	credits *store.CreditStore,
	ec *email.Client,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		users:    users,
		sessions: sessions,
		credits:  credits,
		email:    ec,
		logger:   logger,
	}
}

type authResponse struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// Signup creates an account, grants the starter credits, and signs the user in.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
		Locale      string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		BadRequest(w, "valid email is required")
		return
	}
	if len(req.Password) < 8 {
		BadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		InternalError(w)
		return
	}

	user, err := h.users.Create(req.Email, hash, req.DisplayName, req.Locale)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			Conflict(w, "email already registered")
			return
		}
		h.logger.Error("create user", "error", err)
		InternalError(w)
		return
	}

	if _, err := h.credits.Grant(user.ID, entitlement.SignupCreditGrant, "signup", ""); err != nil {
		h.logger.Error("signup credit grant", "error", err, "user", user.ID)
	}

	if h.email != nil && h.email.Configured() {
		if err := h.email.SendWelcome(user.Email, entitlement.SignupCreditGrant); err != nil {
			h.logger.Warn("send welcome email", "error", err)
		}
	}

	sess, err := h.sessions.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		InternalError(w)
		return
	}
	setSessionCookie(w, sess.Token)

	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: sess.Token})
}

// Login verifies credentials and issues a session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	user, err := h.users.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("get user by email", "error", err)
		InternalError(w)
		return
	}
	if user == nil {
		Unauthorized(w)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		Unauthorized(w)
		return
	}

	sess, err := h.sessions.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		InternalError(w)
		return
	}
	setSessionCookie(w, sess.Token)

	writeJSON(w, http.StatusOK, authResponse{User: user, Token: sess.Token})
}

// Logout destroys the current session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token != "" {
		if sess, err := h.sessions.GetByToken(token); err == nil && sess != nil {
			h.sessions.Delete(sess.ID)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   90 * 24 * 60 * 60, // 90 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
