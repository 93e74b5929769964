package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/somnolog/somnolog/internal/store"
)

type AccountHandler struct {
	users    *store.UserStore
	sessions *store.SessionStore
	credits  *store.CreditStore
	logger   *slog.Logger
}

func NewAccountHandler(users *store.UserStore, sessions *store.SessionStore, credits *store.CreditStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{users: users, sessions: sessions, credits: credits, logger: logger}
}

// Me returns the authenticated user's profile.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserFromContext(r.Context()))
}

// Update changes display name and locale.
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		DisplayName string `json:"display_name"`
		Locale      string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = user.DisplayName
	}
	if req.Locale == "" {
		req.Locale = user.Locale
	}

	if err := h.users.UpdateProfile(user.ID, req.DisplayName, req.Locale); err != nil {
		h.logger.Error("update profile", "error", err)
		InternalError(w)
		return
	}

	updated, err := h.users.GetByID(user.ID)
	if err != nil {
		h.logger.Error("get user", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete soft-deletes the account and revokes all sessions. The row is kept
// with an anonymized email to preserve referential history.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	if err := h.users.SoftDelete(user.ID); err != nil {
		h.logger.Error("soft delete user", "error", err)
		InternalError(w)
		return
	}
	if err := h.sessions.DeleteByUserID(user.ID); err != nil {
		h.logger.Error("revoke sessions", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GrantCredits is the admin-only bonus grant.
func (h *AccountHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Amount int    `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.UserID == 0 || req.Amount <= 0 {
		BadRequest(w, "user_id and a positive amount are required")
		return
	}
	if req.Reason == "" {
		req.Reason = "admin_grant"
	}

	target, err := h.users.GetByID(req.UserID)
	if err != nil {
		h.logger.Error("get user", "error", err)
		InternalError(w)
		return
	}
	if target == nil || target.IsDeleted() {
		NotFound(w, "user not found")
		return
	}

	if _, err := h.credits.Grant(req.UserID, req.Amount, req.Reason, ""); err != nil {
		h.logger.Error("admin credit grant", "error", err)
		InternalError(w)
		return
	}

	bal, err := h.credits.Get(req.UserID)
	if err != nil {
		h.logger.Error("get balance", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
