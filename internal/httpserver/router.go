package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sentinelops/internal/auth"
	"sentinelops/internal/incidents"
	"sentinelops/internal/logging"
	"sentinelops/internal/scans"
)

type Deps struct {
	Logger         *slog.Logger
	DB             *sql.DB
	Auth           *auth.Service
	CookieName     string
	TokenTTL       time.Duration
	Incidents      *incidents.Service
	TriageRules    *scans.RuleSet
	IngestToken    string
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(d.DB, d.Logger))

	r.Method(http.MethodPost, "/api/auth/login", &auth.LoginHandler{
		Service:    d.Auth,
		Logger:     d.Logger,
		CookieName: d.CookieName,
		TTL:        d.TokenTTL,
	})

	r.Method(http.MethodPost, "/api/ingest/scans", &scans.IngestHandler{
		Service:     d.Incidents,
		Rules:       d.TriageRules,
		Logger:      d.Logger,
		IngestToken: d.IngestToken,
	})

	incidentHandler := &incidents.Handler{Service: d.Incidents, Logger: d.Logger}
	r.Route("/api/incidents", func(r chi.Router) {
		r.Use(auth.Middleware(d.Auth, d.CookieName))
		incidentHandler.Routes(r)
	})

	return withCORS(r, d.AllowedOrigins)
}

func healthHandler(conn *sql.DB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if conn != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := conn.PingContext(ctx); err != nil {
				logger.Error("health check", "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// requestLogger attaches a request-scoped logger and logs one line per request.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), logger)))
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

// withCORS allows credentialed requests from the listed origins only. An
// empty list disables cross-origin access.
func withCORS(next http.Handler, allowed []string) http.Handler {
	allow := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allow[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allow[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
