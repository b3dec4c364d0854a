// Package server exposes the queue service over REST and streams job events
// over a websocket.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/service"
)

// ShutdownTimeout bounds how long Stop waits for goroutines to exit
const ShutdownTimeout = 10 * time.Second

// ServerState tracks the lifecycle of the HTTP server
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Authenticator turns a bearer token into a caller
type Authenticator interface {
	Authenticate(token string) (service.Caller, error)
}

// Config holds the transport settings
type Config struct {
	Port               int
	AllowedOrigins     []string
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server is the HTTP front of the queue
type Server struct {
	svc     *service.QueueService
	authn   Authenticator
	hub     *events.Hub
	limiter *callerLimiter
	router  *gin.Engine
	http    *http.Server
	logger  *zap.SugaredLogger

	allowedOrigins atomic.Pointer[[]string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32

	mu             sync.RWMutex
	clients        map[*Client]bool
	broadcastDrops atomic.Int64
}

// New builds the server and starts the event broadcaster. The listener is
// opened by Start.
func New(svc *service.QueueService, authn Authenticator, hub *events.Hub, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		svc:     svc,
		authn:   authn,
		hub:     hub,
		limiter: newCallerLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		logger:  log.Named("server"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]bool),
	}
	s.SetAllowedOrigins(cfg.AllowedOrigins)
	s.router = s.setupRoutes()
	s.http = &http.Server{
		Addr:              listenAddr(cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if hub != nil {
		s.startEventBroadcaster()
	}
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetRateLimit changes the per-caller limit on mutating routes. A rate of
// zero or less disables limiting.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	s.limiter.SetLimit(perSecond, burst)
	s.logger.Infow("Rate limit updated", "per_second", perSecond, "burst", burst)
}

// SetAllowedOrigins replaces the websocket origin allow-list
func (s *Server) SetAllowedOrigins(origins []string) {
	cp := append([]string(nil), origins...)
	s.allowedOrigins.Store(&cp)
}

// ClientCount returns the number of connected event stream clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
