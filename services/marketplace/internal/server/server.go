package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"datamarket/internal/principal"
	"datamarket/internal/ratelimit"
	"datamarket/internal/usertoken"
	"datamarket/internal/util"
	"datamarket/services/marketplace/internal/app"
	"datamarket/services/marketplace/internal/authclient"
	"datamarket/services/marketplace/internal/metrics"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Auth          *authclient.Client
	TokenVerifier *usertoken.Verifier
	Metrics       *metrics.Workflow
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// Redis enables rate limiting when set.
	Redis                      *redis.Client
	UploadRateLimitPerMinute   int
	PurchaseRateLimitPerMinute int
	TrustedProxies             *util.TrustedProxies
	MaxUploadBytes             int64
	CORSAllowedOrigins         []string
}

// Server exposes the marketplace HTTP API.
type Server struct {
	app             *app.App
	auth            *authclient.Client
	tokenVerifier   *usertoken.Verifier
	metrics         *metrics.Workflow
	gatherer        prometheus.Gatherer
	mux             *http.ServeMux
	validate        *validator.Validate
	trustedProxies  *util.TrustedProxies
	maxUploadBytes  int64
	corsOrigins     []string
	uploadLimiter   *ratelimit.FixedWindowLimiter
	purchaseLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth client required")
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		app:            cfg.App,
		auth:           cfg.Auth,
		tokenVerifier:  cfg.TokenVerifier,
		metrics:        cfg.Metrics,
		gatherer:       gatherer,
		mux:            http.NewServeMux(),
		validate:       newValidator(),
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		corsOrigins:    cfg.CORSAllowedOrigins,
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				return nil, nil
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "datamarket:marketplace:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.uploadLimiter, err = newLimiter("uploads", cfg.UploadRateLimitPerMinute); err != nil {
			return nil, err
		}
		if s.purchaseLimiter, err = newLimiter("purchases", cfg.PurchaseRateLimitPerMinute); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("marketplace", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// auth proxy
	s.mux.HandleFunc("POST /auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.Handle("GET /auth/me", s.withUser(s.handleMe))

	// public marketplace
	s.mux.HandleFunc("GET /marketplace", s.handleListings)
	s.mux.HandleFunc("GET /marketplace/{id}", s.handleListing)

	// contributors and buyers
	s.mux.Handle("POST /uploads", s.withUser(s.handleCreateUpload))
	s.mux.Handle("POST /uploads/file", s.withUser(s.handleUploadFile))
	s.mux.Handle("GET /uploads", s.withUser(s.handleListUploads))
	s.mux.Handle("POST /purchases", s.withUser(s.handleCreatePurchase))
	s.mux.Handle("GET /purchases", s.withUser(s.handleListPurchases))
	s.mux.Handle("GET /downloads/{path...}", s.withUser(s.handleDownload))
	s.mux.Handle("GET /wallet", s.withUser(s.handleWallet))

	// admin
	s.mux.Handle("POST /admin/approve", s.withAdmin(s.handleApprove))
	s.mux.Handle("POST /admin/reject", s.withAdmin(s.handleReject))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withUser resolves the bearer token into a principal stored in the request
// context.
func (s *Server) withUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authorize(r)
		if err != nil {
			s.audit(r, "marketplace.authorize", "fail", "reason", err.Error())
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := principal.WithPrincipal(r.Context(), p)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", p.ID()))
		next(w, r.WithContext(ctx))
	})
}

// withAdmin is withUser restricted to administrators.
func (s *Server) withAdmin(next http.HandlerFunc) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principal.FromContext(r.Context())
		if !p.Admin {
			s.audit(r, "marketplace.admin.authorize", "fail", "user_id", p.ID(), "reason", "forbidden")
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		s.audit(r, "marketplace.admin.authorize", "success", "user_id", p.ID())
		next(w, r)
	})
}

func (s *Server) authorize(r *http.Request) (principal.Principal, error) {
	token, ok := bearerToken(r)
	if !ok {
		return principal.Principal{}, errors.New("missing_token")
	}
	ctx := r.Context()
	var subject string
	if s.tokenVerifier != nil {
		sub, err := s.tokenVerifier.VerifySubject(ctx, token)
		if err != nil {
			return principal.Principal{}, errors.New("invalid_signature_or_claims")
		}
		subject = sub
	}
	user, err := s.auth.Me(ctx, token)
	if err != nil {
		return principal.Principal{}, errors.New("auth_me_failed")
	}
	if subject != "" && subject != user.ID {
		return principal.Principal{}, errors.New("subject_mismatch")
	}
	admin := user.IsAdmin()
	if !admin {
		listed, err := s.app.IsAdmin(ctx, user.ID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("admin lookup failed", "user_id", user.ID, "err", err)
		}
		admin = listed
	}
	return principal.Principal{User: user, Admin: admin}, nil
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies limiter keyed by route and caller. A nil limiter allows
// everything.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, route, msg string) bool {
	if limiter == nil {
		return true
	}
	key := util.ClientIP(r, s.trustedProxies)
	if p, ok := principal.FromContext(r.Context()); ok {
		key = "user:" + p.ID()
	}
	d := limiter.Allow(r.Context(), route+"|"+key)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	s.metrics.ObserveRateLimited(route)
	w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(d.RetryAfter.Seconds())), 1)))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorDetails(w, status, errorCode(status, msg), msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Details:   details,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "invalid json body":
		return "MARKET_INVALID_REQUEST"
	case "file too large":
		return "MARKET_FILE_TOO_LARGE"
	}
	switch status {
	case http.StatusBadRequest:
		return "MARKET_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "MARKET_FORBIDDEN"
	case http.StatusNotFound:
		return "MARKET_NOT_FOUND"
	case http.StatusConflict:
		return "MARKET_CONFLICT"
	case http.StatusRequestEntityTooLarge:
		return "MARKET_FILE_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	case http.StatusBadGateway:
		return "SYSTEM_UPSTREAM_UNAVAILABLE"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

// writeAppError maps application errors onto HTTP responses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *app.ValidationError
	var depErr *app.DependencyError
	switch {
	case errors.As(err, &vErr):
		writeErrorDetails(w, http.StatusBadRequest, "MARKET_INVALID_REQUEST", vErr.Message, vErr.Fields)
	case errors.Is(err, app.ErrNotFound):
		writeErrorDetails(w, http.StatusNotFound, "MARKET_UPLOAD_NOT_FOUND", "upload not found", nil)
	case errors.Is(err, app.ErrStatusConflict):
		writeErrorDetails(w, http.StatusConflict, "MARKET_UPLOAD_ALREADY_DECIDED", "upload has already been reviewed", nil)
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrCompensationFailed):
		util.LoggerFromContext(r.Context()).Error("workflow left inconsistent state", "err", err)
		writeErrorDetails(w, http.StatusInternalServerError, "MARKET_COMPENSATION_FAILED",
			"failed to update wallet and failed to revert upload status", err.Error())
	case errors.As(err, &depErr):
		util.LoggerFromContext(r.Context()).Error("dependency failure", "op", depErr.Op, "err", depErr.Err)
		writeErrorDetails(w, http.StatusInternalServerError, "SYSTEM_DEPENDENCY_FAILED",
			"failed to "+depErr.Op, depErr.Err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("unexpected error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == "" {
			code = errorCode(apiErr.Status, apiErr.Message)
		}
		writeErrorDetails(w, apiErr.Status, code, apiErr.Message, nil)
		return
	}
	slog.Warn("auth service call failed", "err", err)
	writeError(w, http.StatusBadGateway, "auth service unavailable")
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 100 * 1024 * 1024
	}
	return value
}
