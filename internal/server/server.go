package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/somnolog/somnolog/internal/email"
	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/handler"
	"github.com/somnolog/somnolog/internal/interpreter"
	"github.com/somnolog/somnolog/internal/middleware"
	"github.com/somnolog/somnolog/internal/push"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

// Config carries everything the server wires together besides the database.
type Config struct {
	BaseURL     string
	ShareSecret []byte
}

type Server struct {
	db            *sql.DB
	authH         *handler.AuthHandler
	accountH      *handler.AccountHandler
	subscriptionH *handler.SubscriptionHandler
	creditsH      *handler.CreditsHandler
	addonH        *handler.AddonHandler
	dreamH        *handler.DreamHandler
	shareH        *handler.ShareHandler
	pushH         *handler.PushHandler
	webhookH      *handler.WebhookHandler
	sessionStore  *store.SessionStore
	userStore     *store.UserStore
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(
	db *sql.DB,
	cfg Config,
	stripeClient *billing.Client,
	interpreterClient *interpreter.Client,
	emailClient *email.Client,
	pushService *push.Service,
	logger *slog.Logger,
) *Server {
	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	subscriptionStore := store.NewSubscriptionStore(db)
	creditStore := store.NewCreditStore(db)
	addonStore := store.NewAddonStore(db)
	dreamStore := store.NewDreamStore(db)
	pushStore := store.NewPushStore(db)

	gate := entitlement.NewGate(subscriptionStore, creditStore, userStore)
	notifier := push.NewNotifier(pushService, pushStore, logger.With("component", "push"))

	return &Server{
		db:            db,
		authH:         handler.NewAuthHandler(userStore, sessionStore, creditStore, emailClient, logger.With("component", "auth")),
		accountH:      handler.NewAccountHandler(userStore, sessionStore, creditStore, logger.With("component", "account")),
		subscriptionH: handler.NewSubscriptionHandler(stripeClient, subscriptionStore, creditStore, addonStore, logger.With("component", "subscription")),
		creditsH:      handler.NewCreditsHandler(stripeClient, subscriptionStore, creditStore, logger.With("component", "credits")),
		addonH:        handler.NewAddonHandler(stripeClient, subscriptionStore, addonStore, logger.With("component", "addon")),
		dreamH:        handler.NewDreamHandler(dreamStore, gate, interpreterClient, notifier, logger.With("component", "dream")),
		shareH:        handler.NewShareHandler(dreamStore, addonStore, cfg.ShareSecret, cfg.BaseURL, logger.With("component", "share")),
		pushH:         handler.NewPushHandler(pushService, pushStore, logger.With("component", "push_handler")),
		webhookH:      handler.NewWebhookHandler(stripeClient, subscriptionStore, creditStore, addonStore, userStore, emailClient, notifier, logger.With("component", "webhook")),
		sessionStore:  sessionStore,
		userStore:     userStore,
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/auth/signup", s.rateLimitedHandler(s.authH.Signup))
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripe)
	outerMux.HandleFunc("GET /share/{token}", s.shareH.Redeem)
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes — wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore, s.userStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)

	// Account
	mux.HandleFunc("GET /api/account", s.accountH.Me)
	mux.HandleFunc("PUT /api/account", s.accountH.Update)
	mux.HandleFunc("DELETE /api/account", s.accountH.Delete)

	// Billing
	mux.HandleFunc("GET /api/billing/status", s.subscriptionH.Status)
	mux.HandleFunc("POST /api/billing/subscription", s.subscriptionH.Create)
	mux.HandleFunc("DELETE /api/billing/subscription", s.subscriptionH.Cancel)
	mux.HandleFunc("POST /api/billing/credits/purchase", s.creditsH.Purchase)
	mux.HandleFunc("GET /api/billing/credits", s.creditsH.Balance)
	mux.HandleFunc("GET /api/billing/credits/history", s.creditsH.History)
	mux.HandleFunc("POST /api/billing/addons/purchase", s.addonH.Purchase)
	mux.HandleFunc("GET /api/billing/addons", s.addonH.List)

	// Dreams
	mux.HandleFunc("POST /api/dreams", s.dreamH.Create)
	mux.HandleFunc("GET /api/dreams", s.dreamH.List)
	mux.HandleFunc("GET /api/dreams/{id}", s.dreamH.Get)
	mux.HandleFunc("DELETE /api/dreams/{id}", s.dreamH.Delete)
	mux.HandleFunc("POST /api/dreams/{id}/interpret", s.dreamH.Interpret)
	mux.HandleFunc("POST /api/dreams/{id}/share", s.shareH.Create)

	// Push notifications
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.Unsubscribe)

	// Admin
	mux.Handle("POST /api/admin/credits/grant", middleware.RequireAdmin(http.HandlerFunc(s.accountH.GrantCredits)))
}
