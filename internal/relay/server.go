// Package relay is the devroom server: the REST API over projects and
// users, and the realtime project rooms.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/devroom/internal/ai"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/ws"
)

// AIService is what the server needs from the AI bridge.
type AIService interface {
	Assistant
	Document(ctx context.Context, code string) ai.Result
}

type ServerConfig struct {
	TokenTTL      time.Duration
	OutboxSize    int
	RatePerMinute int
	Burst         int
}

type Server struct {
	Store  *RelayStore
	Auth   *Authenticator
	Rooms  *Registry
	Router *Router
	AI     AIService
	Config ServerConfig

	metrics *Metrics
	log     *slog.Logger
	mux     *http.ServeMux
}

func NewServer(store *RelayStore, secret []byte, assistant AIService, cfg ServerConfig, l *slog.Logger) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	metrics := NewMetrics()
	rooms := NewRegistry(metrics, l)
	s := &Server{
		Store:  store,
		Auth:   &Authenticator{Store: store, Secret: secret},
		Rooms:  rooms,
		Router: NewRouter(rooms, assistant, RouterConfig{RatePerMinute: cfg.RatePerMinute, Burst: cfg.Burst}, l),
		AI:     assistant,
		Config: cfg,

		metrics: metrics,
		log:     logger.Or(l),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /ws", s.handleRoomWS)

	s.mux.HandleFunc("POST /users/register", s.handleRegister)
	s.mux.HandleFunc("POST /users/login", s.handleLogin)
	s.mux.HandleFunc("GET /users/all", s.handleListUsers)

	s.mux.HandleFunc("POST /projects/create", s.handleCreateProject)
	s.mux.HandleFunc("GET /projects/all", s.handleListProjects)
	s.mux.HandleFunc("GET /projects/templates", s.handleTemplates)
	s.mux.HandleFunc("PUT /projects/add-user", s.handleAddUsers)
	// get-project/{projectId} and {projectId}/analytics overlap as mux
	// patterns, so one route dispatches both.
	s.mux.HandleFunc("GET /projects/{first}/{second}", s.handleProjectGet)
	s.mux.HandleFunc("PUT /projects/update-file-tree", s.handleUpdateFileTree)
	s.mux.HandleFunc("DELETE /projects/{id}", s.handleDeleteProject)
	s.mux.HandleFunc("POST /projects/generate-docs", s.handleGenerateDocs)
	s.mux.HandleFunc("POST /projects/optimize-code", s.handleOptimizeCode)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown tells every connected client the relay is restarting, closes
// the rooms and cancels in-flight AI work.
func (s *Server) Shutdown() {
	s.Rooms.Close(ws.RelayRestart{Type: ws.TypeRelayRestart})
	s.Router.Close()
}
