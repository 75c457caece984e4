package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"

	"media-orchestrator/internal/api"
	"media-orchestrator/internal/observability/logging"
	"media-orchestrator/internal/observability/metrics"
)

type Config struct {
	Addr      string
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if handler.Metrics == nil {
		handler.Metrics = recorder
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(handler.Router())
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = logging.RequestID(handlerChain)
	handlerChain = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
		handlers.PrintRecoveryStack(false),
	)(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Stopping a large batch can take a while.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
	}
	return srv, nil
}

// Handler exposes the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// recoveryLogger routes gorilla's panic reports into slog.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.logger.Error("panic serving request", "panic", fmt.Sprint(args...))
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("global rate limit exceeded"))
			return
		}
		if isSubmission(r) && rl.limitsSubmissions() {
			sub := readSubmission(r)
			if rl.exceedsWindow(sub) {
				api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("batch of %d slots exceeds the submit limit of %d", sub.units, rl.submitLimit))
				return
			}
			ip := extractClientIP(r)
			allowed, retryAfter, err := rl.AllowSubmit(ip, sub)
			if err != nil {
				logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				api.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("rate limit failure"))
				return
			}
			if !allowed {
				logging.WithContext(r.Context(), logger).Warn("submission throttled",
					"remote_ip", ip, "owner", sub.owner, "units", sub.units, "retry_after", retryAfter)
				if retryAfter > 0 {
					w.Header().Set("Retry-After", retryAfterHeader(retryAfter))
				}
				api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("too many submissions"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isSubmission(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/api/jobs" || r.URL.Path == "/api/batches"
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
