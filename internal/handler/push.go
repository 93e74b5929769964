package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/somnolog/somnolog/internal/push"
	"github.com/somnolog/somnolog/internal/store"
)

type PushHandler struct {
	svc    *push.Service
	pushes *store.PushStore
	logger *slog.Logger
}

func NewPushHandler(svc *push.Service, pushes *store.PushStore, logger *slog.Logger) *PushHandler {
	return &PushHandler{svc: svc, pushes: pushes, logger: logger}
}

// VAPIDKey hands the browser the public key it needs to subscribe.
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil || !h.svc.Configured() {
		NotFound(w, "push notifications not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.svc.VAPIDPublicKey()})
}

// Subscribe registers the browser's push subscription.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		BadRequest(w, "endpoint and keys are required")
		return
	}

	if err := h.pushes.Save(user.ID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		h.logger.Error("save push subscription", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

// Unsubscribe removes a push subscription by endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		BadRequest(w, "endpoint is required")
		return
	}

	if err := h.pushes.DeleteByEndpoint(req.Endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
