package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
)

const shareLinkTTL = 7 * 24 * time.Hour

// ShareHandler issues and redeems signed export links. Creating a link is
// gated on the therapist export add-on; redeeming needs no account, so a
// therapist can open it directly.
type ShareHandler struct {
	dreams  *store.DreamStore
	addons  *store.AddonStore
	secret  []byte
	baseURL string
	logger  *slog.Logger
}

func NewShareHandler(dreams *store.DreamStore, addons *store.AddonStore, secret []byte, baseURL string, logger *slog.Logger) *ShareHandler {
	return &ShareHandler{dreams: dreams, addons: addons, secret: secret, baseURL: baseURL, logger: logger}
}

type shareClaims struct {
	DreamID int64 `json:"dream_id"`
	jwt.RegisteredClaims
}

// Create mints a share link for one dream.
func (h *ShareHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	grant, err := h.addons.GetCurrent(user.ID, entitlement.AddonTherapistExport, time.Now().UTC())
	if err != nil {
		h.logger.Error("get addon grant", "error", err)
		InternalError(w)
		return
	}
	if grant == nil {
		Forbidden(w, "therapist export addon required")
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		BadRequest(w, "invalid dream id")
		return
	}
	dream, err := h.dreams.GetByID(id)
	if err != nil {
		h.logger.Error("get dream", "error", err)
		InternalError(w)
		return
	}
	if dream == nil || dream.UserID != user.ID {
		NotFound(w, "dream not found")
		return
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, shareClaims{
		DreamID: dream.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(shareLinkTTL)),
		},
	})
	signed, err := token.SignedString(h.secret)
	if err != nil {
		h.logger.Error("sign share token", "error", err)
		InternalError(w)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"url":        h.baseURL + "/share/" + signed,
		"expires_at": now.Add(shareLinkTTL),
	})
}

// Redeem serves the shared dream to anyone holding a valid link.
func (h *ShareHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("token")

	var claims shareClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		NotFound(w, "link is invalid or expired")
		return
	}

	dream, err := h.dreams.GetByID(claims.DreamID)
	if err != nil {
		h.logger.Error("get dream", "error", err)
		InternalError(w)
		return
	}
	if dream == nil {
		NotFound(w, "dream not found")
		return
	}

	interps, err := h.dreams.ListInterpretations(dream.ID)
	if err != nil {
		h.logger.Error("list interpretations", "error", err)
		InternalError(w)
		return
	}
	if interps == nil {
		interps = []*model.Interpretation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dream":           dream,
		"interpretations": interps,
	})
}
