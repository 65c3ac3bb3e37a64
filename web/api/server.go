package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/observer"
)

// Experiment is the orchestration surface exposed over HTTP
type Experiment[T, A any] interface {
	ID() string
	Status() string
	Complete() bool
	RunList() []domain.ListEntry
	HasAddress(addr string) bool
	Detail(addr string) (experiment.Serialized[T, A], bool)
	RunOne(ctx context.Context, addr string) error
	StopRun(addr string) bool
	RunNAtATime(ctx context.Context, n int, addrs []string) error
	CancelThrottledRuns()
	ThrottledRunActive() bool
	Subscribe(fn func(domain.RunEvent)) func()
}

// Server is the HTTP API server
type Server[T, A any] struct {
	ctx      context.Context
	exp      Experiment[T, A]
	observer *observer.Observer
	addr     string
	mux      *http.ServeMux
	hub      *Hub
	upgrader websocket.Upgrader

	server      *http.Server
	unsubscribe func()
}

// NewServer creates a new API server. Runs started through the API execute
// under ctx. obs may be nil.
func NewServer[T, A any](ctx context.Context, exp Experiment[T, A], obs *observer.Observer, addr string) *Server[T, A] {
	s := &Server[T, A]{
		ctx:      ctx,
		exp:      exp,
		observer: obs,
		addr:     addr,
		mux:      http.NewServeMux(),
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.unsubscribe = exp.Subscribe(func(ev domain.RunEvent) {
		s.hub.Broadcast(Event{Type: "run", Data: ev})
	})
	s.setupRoutes()
	return s
}

func (s *Server[T, A]) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/run_n", s.runNHandler())
	s.mux.HandleFunc("/api/cancel_run_n", s.cancelRunNHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the router
func (s *Server[T, A]) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called
func (s *Server[T, A]) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("web API listening on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and disconnects event streams
func (s *Server[T, A]) Shutdown(ctx context.Context) error {
	s.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close detaches the server from the experiment's event feed
func (s *Server[T, A]) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.hub.Close()
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeStatus(w, code, map[string]string{"error": message})
}
