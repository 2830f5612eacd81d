package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"edge-guard/internal/metrics"
	"edge-guard/internal/util"
)

// RouteRegistrar mounts a group of routes.
type RouteRegistrar interface {
	RegisterRoutes(chi.Router)
}

type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Healthy        func(context.Context) bool

	// API routes are mounted under /api/v1 with CORS.
	API []RouteRegistrar
	// Root routes (webhooks, admin) get no CORS headers.
	Root []RouteRegistrar
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(opts RouterOptions, logger *zap.Logger) chi.Router {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware)
	}
	router.Use(middleware.Timeout(opts.RequestTimeout))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Healthy != nil && !opts.Healthy(r.Context()) {
			util.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "service": "edge-guard"})
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "edge-guard"})
	})

	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type", "X-API-Key"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           86400,
		}))
		for _, reg := range opts.API {
			reg.RegisterRoutes(r)
		}
	})

	for _, reg := range opts.Root {
		reg.RegisterRoutes(router)
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return router
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
