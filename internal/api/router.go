package api

import (
	"net/http"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	ws "github.com/Priya8975/conversion-dispatch/internal/websocket"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps carries everything the router mounts. Circuits and Hub are optional.
type Deps struct {
	Version  string
	Logger   *zap.Logger
	Enqueuer Enqueuer
	Writers  *platform.Registry
	Operator *worker.Operator
	Counter  StatusCounter
	Circuits CircuitReader
	Hub      *ws.Hub
	Checks   map[string]Check
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	eventHandler := NewEventHandler(d.Enqueuer, d.Writers, d.Logger)
	outboxHandler := NewOutboxHandler(d.Operator)

	var clients func() int
	if d.Hub != nil {
		clients = d.Hub.ClientCount
		r.Get("/ws", d.Hub.HandleWebSocket)
	}
	platformHandler := NewPlatformHandler(d.Writers.Platforms(), d.Counter, d.Circuits, clients)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Version, d.Checks))

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Create)
			r.Post("/validate", eventHandler.Validate)
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Get("/status", outboxHandler.Status)
			r.Get("/dead-letters", outboxHandler.DeadLetters)
			r.Get("/rows/{eventID}/{platform}", outboxHandler.Row)
			r.Post("/replay-failed", outboxHandler.ReplayFailed)
			r.Post("/replay-dead-letter", outboxHandler.ReplayDeadLetter)
			r.Post("/purge-delivered", outboxHandler.PurgeDelivered)
		})

		r.Get("/platforms", platformHandler.List)
	})

	return r
}

// requestLogger writes one zap line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logging.Info(r.Context(), logger, "http request",
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

// corsMiddleware adds CORS headers for browser operators.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
