package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/action"
	"github.com/TopGunBuild/socket-sub001/internal/auth"
	"github.com/TopGunBuild/socket-sub001/internal/broker"
	"github.com/TopGunBuild/socket-sub001/internal/metrics"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// Server accepts socket connections, runs the handshake and owns the
// registry, broker and middleware shared by its sockets.
type Server struct {
	cfg      *ServerConfig
	server   *http.Server
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	registry  *Registry
	broker    *broker.Broker
	exchange  *broker.Exchange
	listeners *stream.Demux[Event]

	mwMu       sync.RWMutex
	middleware map[action.Stage]action.Handler
	handshake  *action.MiddlewareStream

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server from cfg. Missing collaborators are defaulted
// and the result is validated.
//
// Example:
//
//	cfg := DefaultServerConfig()
//	cfg.AuthKey = []byte("secret")
//	srv, err := NewServer(cfg)
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "server")
	m := metrics.New(cfg.MetricsRegisterer)
	b := broker.New(broker.Config{Codec: cfg.Codec, Logger: cfg.Logger, Metrics: m})
	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		registry:   NewRegistry(),
		broker:     b,
		exchange:   broker.NewExchange(b),
		listeners:  stream.NewDemux[Event](),
		middleware: make(map[action.Stage]action.Handler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// Start starts the HTTP listener serving sockets on cfg.Path.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(socket.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("server listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		return nil
	}
}

// Stop disconnects every socket with 1001 and shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.CloseSockets(ctx)

	s.mwMu.Lock()
	s.stopHandshakeLocked()
	s.mwMu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// CloseSockets disconnects every live and pending socket concurrently.
func (s *Server) CloseSockets(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, sock := range s.registry.all() {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			sock.Disconnect(socket.StatusGoingAway, "server shutting down")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("socket shutdown interrupted", "error", err)
	}
}

// ServeHTTP runs the HTTP-stage handshake middleware and upgrades the
// request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a := action.New(action.HandshakeWS)
	a.Request = r
	if _, err := action.Process(r.Context(), s.handshakeStream(), a); err != nil {
		if s.metrics != nil {
			s.metrics.MiddlewareBlocks.WithLabelValues(a.Type.String()).Inc()
		}
		s.logger.Warn("upgrade blocked by middleware", "remote_addr", r.RemoteAddr, "error", err)
		s.emit(EventWarning, Event{Err: err})
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.HandleConn(newConnTransport(conn), r)
}

// HandleConn runs the socket protocol over an established transport. r may
// be nil for transports that did not come from an HTTP upgrade.
func (s *Server) HandleConn(t Transport, r *http.Request) *ServerSocket {
	sock := newServerSocket(s, t, r)
	s.registry.addPending(sock)
	if s.metrics != nil {
		s.metrics.PendingHandshake.Inc()
	}
	s.emit(EventHandshake, Event{Socket: sock})
	sock.start()
	return sock
}

// SetMiddleware installs handler for stage. The handshake handler starts
// right away and serves every socket; handlers for the other stages start
// once per socket for sockets created afterwards. A nil handler removes the
// middleware.
func (s *Server) SetMiddleware(stage action.Stage, handler action.Handler) {
	s.mwMu.Lock()
	defer s.mwMu.Unlock()
	if stage == action.StageHandshake {
		s.stopHandshakeLocked()
		if handler != nil {
			s.handshake = action.NewMiddlewareStream(stage)
			go handler(s.handshake)
		}
	}
	if handler == nil {
		delete(s.middleware, stage)
		return
	}
	s.middleware[stage] = handler
}

// handshakeStream returns the running handshake middleware, restarting the
// handler if Stop closed it.
func (s *Server) handshakeStream() *action.MiddlewareStream {
	s.mwMu.RLock()
	ms := s.handshake
	handler := s.middleware[action.StageHandshake]
	s.mwMu.RUnlock()
	if ms != nil || handler == nil {
		return ms
	}

	s.mwMu.Lock()
	defer s.mwMu.Unlock()
	if s.handshake == nil {
		if handler, ok := s.middleware[action.StageHandshake]; ok {
			s.handshake = action.NewMiddlewareStream(action.StageHandshake)
			go handler(s.handshake)
		}
	}
	return s.handshake
}

func (s *Server) stopHandshakeLocked() {
	if s.handshake != nil {
		s.handshake.Close()
		s.handshake = nil
	}
}

func (s *Server) socketMiddleware(stage action.Stage) *action.MiddlewareStream {
	s.mwMu.RLock()
	handler := s.middleware[stage]
	s.mwMu.RUnlock()
	if handler == nil {
		return nil
	}
	ms := action.NewMiddlewareStream(stage)
	go handler(ms)
	return ms
}

// Listener returns the stream of server events named name.
func (s *Server) Listener(name string) *stream.DemuxedStream[Event] {
	return s.listeners.Stream(name)
}

func (s *Server) emit(name string, ev Event) {
	ev.Name = name
	s.listeners.Write(name, ev)
}

// relay republishes socket events under their server event names.
func (s *Server) relay(name string, ev Event) {
	if serverName, ok := serverEvents[name]; ok {
		s.emit(serverName, ev)
	}
}

// Exchange returns the in-process pub/sub client.
func (s *Server) Exchange() *broker.Exchange { return s.exchange }

// Broker returns the channel broker.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Registry returns the socket registry.
func (s *Server) Registry() *Registry { return s.registry }

// Socket returns a live socket by id.
func (s *Server) Socket(id string) (*ServerSocket, bool) {
	return s.registry.Get(id)
}

// Clients returns the live sockets.
func (s *Server) Clients() []*ServerSocket { return s.registry.Clients() }

// PendingClients returns the sockets waiting for a handshake.
func (s *Server) PendingClients() []*ServerSocket { return s.registry.PendingClients() }

// ClientsCount returns the number of live sockets.
func (s *Server) ClientsCount() int { return s.registry.Count() }

// PendingClientsCount returns the number of sockets waiting for a handshake.
func (s *Server) PendingClientsCount() int { return s.registry.PendingCount() }

// Metrics returns the server collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) verifyToken(signed string) (socket.AuthToken, error) {
	if s.cfg.AuthKey == nil {
		return nil, &socket.AuthError{Message: "auth key is not configured"}
	}
	return s.cfg.AuthEngine.VerifyToken(signed, s.cfg.AuthKey, auth.VerifyOptions{Algorithms: []string{s.cfg.AuthAlgorithm}})
}

func (s *Server) signToken(token socket.AuthToken, algorithm string) (string, error) {
	if s.cfg.AuthKey == nil {
		return "", &socket.AuthError{Message: fmt.Sprintf("%s: auth key is not configured", socket.ErrAuthTokenSignFailed)}
	}
	if algorithm == "" {
		algorithm = s.cfg.AuthAlgorithm
	}
	return s.cfg.AuthEngine.SignToken(token, s.cfg.AuthKey, auth.SignOptions{Algorithm: algorithm})
}
