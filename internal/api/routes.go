package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RouterOptions struct {
	CORSOrigins []string

	// TestSendPerMinute caps the provider test endpoints across all callers.
	TestSendPerMinute int
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/flows", func(r chi.Router) {
			r.Get("/stats", h.GetStats)
			r.Get("/active", h.ListActive)
			r.Post("/marketing-campaign/bulk", h.BulkMarketing)
			r.Post("/{kind}", h.CreateFlow)
			r.Get("/{flowId}", h.GetFlow)
			r.Delete("/{flowId}", h.CancelFlow)
		})

		r.Route("/email", func(r chi.Router) {
			r.Get("/providers", h.ListProviders)
			r.Post("/send", h.Send)

			r.Group(func(r chi.Router) {
				r.Use(throttle(opts.TestSendPerMinute))
				r.Post("/test-connection", h.TestConnection)
				r.Post("/test-send", h.TestSend)
			})
		})
	})

	return r
}

// throttle rejects requests above perMinute with 429. Zero disables it.
func throttle(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "60")
				respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many test requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
