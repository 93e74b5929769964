package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/interpreter"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/push"
	"github.com/somnolog/somnolog/internal/store"
)

type DreamHandler struct {
	dreams      *store.DreamStore
	gate        *entitlement.Gate
	interpreter *interpreter.Client
	notifier    *push.Notifier
	logger      *slog.Logger
}

func NewDreamHandler(
	dreams *store.DreamStore,
	gate *entitlement.Gate,
	ic *interpreter.Client,
	notifier *push.Notifier,
	logger *slog.Logger,
) *DreamHandler {
	return &DreamHandler{
		dreams:      dreams,
		gate:        gate,
		interpreter: ic,
		notifier:    notifier,
		logger:      logger,
	}
}

// Create records a dream journal entry. Journaling itself is free; only
// interpretation is metered.
func (h *DreamHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Title     string `json:"title"`
		Body      string `json:"body"`
		DreamedOn string `json:"dreamed_on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Body == "" {
		BadRequest(w, "body is required")
		return
	}

	var dreamedOn *time.Time
	if req.DreamedOn != "" {
		t, err := time.Parse("2006-01-02", req.DreamedOn)
		if err != nil {
			BadRequest(w, "dreamed_on must be YYYY-MM-DD")
			return
		}
		dreamedOn = &t
	}

	dream, err := h.dreams.Create(user.ID, req.Title, req.Body, dreamedOn)
	if err != nil {
		h.logger.Error("create dream", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusCreated, dream)
}

// List returns the user's dreams, newest first.
func (h *DreamHandler) List(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	dreams, err := h.dreams.ListByUser(user.ID, limit)
	if err != nil {
		h.logger.Error("list dreams", "error", err)
		InternalError(w)
		return
	}
	if dreams == nil {
		dreams = []*model.Dream{}
	}
	writeJSON(w, http.StatusOK, dreams)
}

// Get returns one dream with its interpretations.
func (h *DreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	dream, ok := h.ownedDream(w, r, user)
	if !ok {
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

// Delete removes a dream and its interpretations.
func (h *DreamHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	dream, ok := h.ownedDream(w, r, user)
	if !ok {
		return
	}

	if err := h.dreams.Delete(dream.ID); err != nil {
		h.logger.Error("delete dream", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Interpret runs one billable interpretation of a dream. Order matters:
// the gate is checked first, the provider is called second, and only a
// stored result consumes the user's quota or credits.
func (h *DreamHandler) Interpret(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	dream, ok := h.ownedDream(w, r, user)
	if !ok {
		return
	}

	var req struct {
		Class string `json:"class"`
	}
	// An empty or absent body means the default class.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	action := entitlement.ActionBasic
	if req.Class != "" {
		action = entitlement.Action(req.Class)
	}

	decision, err := h.gate.Check(user.ID, action)
	if err != nil {
		if errors.Is(err, entitlement.ErrQuotaExceeded) {
			PaymentRequired(w, "quota exceeded: subscribe or buy credits to continue")
			return
		}
		h.logger.Error("entitlement check", "error", err)
		InternalError(w)
		return
	}

	result, err := h.interpreter.Interpret(r.Context(), dream.Body, string(action), user.Locale)
	if err != nil {
		// Provider failure: nothing was stored, nothing is consumed.
		h.logger.Error("interpret dream", "error", err, "dream", dream.ID)
		UpstreamError(w)
		return
	}

	symbols, err := json.Marshal(result.Symbols)
	if err != nil {
		h.logger.Error("marshal symbols", "error", err)
		InternalError(w)
		return
	}

	interp, err := h.dreams.AddInterpretation(dream.ID, string(action), result.Summary, string(symbols), result.Mood)
	if err != nil {
		h.logger.Error("store interpretation", "error", err)
		InternalError(w)
		return
	}

	if err := h.gate.Consume(decision); err != nil {
		// The user already has the result; log and move on rather than
		// failing a request that delivered value.
		h.logger.Error("consume entitlement", "error", err, "user", user.ID, "mode", decision.Mode)
	}

	if h.notifier != nil {
		h.notifier.Notify(user.ID, push.Payload{
			Title: "Interpretation ready",
			Body:  "Your dream \"" + dream.Title + "\" has a new interpretation.",
			URL:   "/dreams/" + strconv.FormatInt(dream.ID, 10),
		})
	}

	writeJSON(w, http.StatusCreated, interp)
}

// ownedDream loads the {id} path dream and enforces ownership. Writes the
// error response itself and returns ok=false when the caller should stop.
func (h *DreamHandler) ownedDream(w http.ResponseWriter, r *http.Request, user *model.User) (*model.Dream, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		BadRequest(w, "invalid dream id")
		return nil, false
	}

	dream, err := h.dreams.GetByID(id)
	if err != nil {
		h.logger.Error("get dream", "error", err)
		InternalError(w)
		return nil, false
	}
	if dream == nil || dream.UserID != user.ID {
		NotFound(w, "dream not found")
		return nil, false
	}
	return dream, true
}
