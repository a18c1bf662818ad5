package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gend/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool

	Submit(req types.JobRequest, origin string) (types.JobView, error)
	Generate(ctx context.Context, req types.JobRequest, origin string) (types.JobResult, error)
	GetJob(id string) (types.JobView, bool)
	ListJobs(origin, status string, limit int) ([]types.JobView, error)
	ActiveJobs() []types.JobView
	Position(id string) (int, bool)
	Wait(ctx context.Context, id string) (types.JobView, error)
	Cancel(id string) (bool, error)
	Clear(olderThan time.Duration) int

	Unload(ctx context.Context, req types.UnloadRequest) (int, error)
	Events(ctx context.Context, origin string) <-chan types.EventDTO
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", rateLimited(h.submit))
		r.Get("/", h.listJobs)
		r.Delete("/", h.clearJobs)
		r.Get("/active", h.activeJobs)
		r.Get("/{id}", h.getJob)
		r.Get("/{id}/position", h.position)
		r.Get("/{id}/wait", h.wait)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Post("/generate", rateLimited(h.generate))
	r.Post("/resources/unload", h.unload)
	r.Get("/events", h.events)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stopping"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces the JSON content type and the body size limit.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requestOrigin names the front-end behind a request: ?origin= then the
// X-Origin header, defaulting to "api".
func requestOrigin(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("origin")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Origin")); v != "" {
		return v
	}
	return "api"
}
