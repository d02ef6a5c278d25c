package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/handlers"
)

// NewRouter wires the ingest, scheduler and operational routes. gatherer serves /metrics.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Ingest
	router.HandleFunc("/webhook/message", handler.WebhookMessage).Methods("POST")
	router.HandleFunc("/conversations/{id}/messages", handler.ConversationMessage).Methods("POST")

	// Scheduler
	router.HandleFunc("/conversations/{id}/phase", handler.SetPhase).Methods("PUT")
	router.HandleFunc("/conversations/{id}/end", handler.EndConversation).Methods("POST")

	router.HandleFunc("/quick-choices", handler.QuickChoices).Methods("POST")
	router.HandleFunc("/onboarding/{flow}", handler.Onboarding).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
