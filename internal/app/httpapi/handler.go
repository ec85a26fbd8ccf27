// Package httpapi exposes the fundraiser REST API over gorilla/mux.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/fundraiser/internal/app"
	"github.com/R3E-Network/fundraiser/internal/app/metrics"
	"github.com/R3E-Network/fundraiser/internal/app/system"
	"github.com/R3E-Network/fundraiser/internal/httputil"
	"github.com/R3E-Network/fundraiser/internal/middleware"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Config holds the HTTP-facing settings.
type Config struct {
	UploadDir         string
	MaxUploadBytes    int64
	RequestsPerSecond int
	Burst             int
	AllowedOrigins    []string
	AuditFile         string
	AuditEntries      int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	log     *logger.Logger
	uploads uploadStore
	cors    *middleware.CORSMiddleware
}

// Router is the assembled API. It is also a lifecycle service so the
// rate limiter cleanup and audit file follow the application's start/stop.
type Router struct {
	http.Handler

	audit   *auditLog
	sink    *fileAuditSink
	limiter *middleware.RateLimiter

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ system.Service = (*Router)(nil)

// NewHandler returns the router exposing the REST API.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (*Router, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, err
	}
	audit := newAuditLog(cfg.AuditEntries, nil)
	if sink != nil {
		audit.sink = sink
	}

	h := &handler{
		app:     application,
		log:     log,
		uploads: newUploadStore(cfg.UploadDir, cfg.MaxUploadBytes),
		cors:    middleware.NewCORSMiddleware(cfg.AllowedOrigins),
	}

	authMW := middleware.NewAuthMiddleware(application.Tokens, log.Component("auth"))
	rt := &Router{audit: audit, sink: sink}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.NotFound(w, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(authMW.Optional)
	if cfg.RequestsPerSecond > 0 {
		rt.limiter = middleware.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, log.Component("ratelimit"))
		api.Use(rt.limiter.Handler)
	}
	api.Use(audit.middleware)

	protected := func(fn http.HandlerFunc) http.Handler {
		return middleware.RequireUserID(fn)
	}

	// users
	api.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", h.addUser).Methods(http.MethodPost)
	api.Handle("/users/me", protected(h.getProfile)).Methods(http.MethodGet)
	api.Handle("/users/me", protected(h.updateProfile)).Methods(http.MethodPatch)
	api.Handle("/users/me/campaigns", protected(h.myCampaigns)).Methods(http.MethodGet)
	api.HandleFunc("/users/{alias}", h.getUser).Methods(http.MethodGet)
	api.HandleFunc("/auth/otp", h.requestOTP).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify", h.verifyOTP).Methods(http.MethodPost)

	// campaigns
	api.HandleFunc("/campaigns", h.listCampaigns).Methods(http.MethodGet)
	api.Handle("/campaigns", protected(h.addCampaign)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{campaignId}", h.getCampaign).Methods(http.MethodGet)
	api.Handle("/campaigns/{campaignId}", protected(h.updateCampaign)).Methods(http.MethodPatch)
	api.Handle("/campaigns/{campaignId}/status", protected(h.updateCampaignStatus)).Methods(http.MethodPatch)
	api.HandleFunc("/campaigns/{campaignId}/donations", h.listDonations).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{campaignId}/summary", h.donationSummary).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{campaignId}/live", h.liveFeed).Methods(http.MethodGet)

	// donations
	api.HandleFunc("/donations", h.addDonation).Methods(http.MethodPost)
	api.Handle("/donations/{donationId}/verify", protected(h.verifyDonation)).Methods(http.MethodPost)

	api.HandleFunc("/uploads/{name}", h.serveUpload).Methods(http.MethodGet)
	api.Handle("/audit", protected(audit.handler)).Methods(http.MethodGet)

	var root http.Handler = h.cors.Handler(r)
	root = middleware.MetricsMiddleware()(root)
	root = middleware.LoggingMiddleware(log)(root)
	rt.Handler = root
	return rt, nil
}

func (rt *Router) Name() string { return "http-api" }

// Start launches background maintenance for the rate limiter.
func (rt *Router) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil || rt.limiter == nil {
		return nil
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	rt.limiter.StartCleanup(bg, rateLimitCleanupInterval)
	return nil
}

// Stop ends background work and closes the audit file.
func (rt *Router) Stop(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
	return rt.sink.Close()
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteServiceError(w, r, h.log, err)
}
