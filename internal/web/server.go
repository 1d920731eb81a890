package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/health"
	"github.com/mtzanidakis/hyperops/internal/metrics"
	"github.com/mtzanidakis/hyperops/internal/natsbus"
	"github.com/mtzanidakis/hyperops/internal/scheduler"
	"github.com/mtzanidakis/hyperops/internal/store"
	"github.com/mtzanidakis/hyperops/internal/swarm"
)

// Deps are the components the API reads from and drives.
type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Swarms    *swarm.Dispatcher
	NATS      *natsbus.Client
	Metrics   *metrics.Metrics
	// Services returns the currently configured monitored services.
	Services func() []health.Service
}

type Server struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	swarms    *swarm.Dispatcher
	nats      *natsbus.Client
	metrics   *metrics.Metrics
	services  func() []health.Service
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(deps Deps, cfg config.WebConfig, version string) *Server {
	if deps.Services == nil {
		deps.Services = func() []health.Service { return []health.Service{} }
	}
	return &Server{
		store:     deps.Store,
		sched:     deps.Scheduler,
		swarms:    deps.Swarms,
		nats:      deps.NATS,
		metrics:   deps.Metrics,
		services:  deps.Services,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP handler with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.registerAPI(mux)
	mux.HandleFunc("GET /api/events", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Forward bus events to WebSocket clients
	sub, err := s.subscribeEvents()
	if err != nil {
		return err
	}
	if sub != nil {
		defer sub.Unsubscribe()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates Basic Auth against the configured password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="hyperops"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() (*nats.Subscription, error) {
	if s.nats == nil {
		return nil, nil
	}

	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var ev natsbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(Event{
			Topic:     msg.Subject,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			Data:      ev.Data,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	return sub, nil
}
