// Package server exposes the control surface over WebSocket.
//
// Each connection becomes a Session: the handshake checks the shared token,
// registers the session with the hub, pushes the device's profile and then
// serves exec and save_layout requests in arrival order. A single
// Broadcaster pushes now-playing changes and telemetry to all sessions.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/deckcompanion/internal/config"
	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/dispatch"
	"github.com/codefionn/deckcompanion/internal/history"
	"github.com/codefionn/deckcompanion/internal/hub"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/codefionn/deckcompanion/internal/nowplaying"
	"github.com/codefionn/deckcompanion/internal/profile"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultDeviceID is used when a client connects without ?device=
	DefaultDeviceID = "unknown_device"
	// AuthFailedReason is the close reason sent to clients with a bad token
	AuthFailedReason = "auth failed"
	// staticIndex is served for "/" by the static client server
	staticIndex = "client.html"
)

// Executor runs exec actions
type Executor interface {
	Execute(ctx context.Context, a dispatch.Action) dispatch.Result
}

// Journal stores executed actions
type Journal interface {
	Record(ctx context.Context, e history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Options wires a Server to its collaborators. Player, Sampler and Journal
// are optional.
type Options struct {
	Config   *config.Config
	Store    *profile.Store
	Executor Executor
	Player   nowplaying.Provider
	Sampler  Sampler
	Journal  Journal
}

// Server represents the control-surface server
type Server struct {
	cfg         *config.Config
	hub         *hub.Hub
	store       *profile.Store
	exec        Executor
	player      nowplaying.Provider
	journal     Journal
	broadcaster *Broadcaster
	router      *httprouter.Router
	upgrader    websocket.Upgrader
	log         *logger.Logger

	ctxMu sync.RWMutex
	ctx   context.Context
}

// New creates a server
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("server: profile store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("server: executor is required")
	}

	h := hub.NewHub()
	s := &Server{
		cfg:         opts.Config,
		hub:         h,
		store:       opts.Store,
		exec:        opts.Executor,
		player:      opts.Player,
		journal:     opts.Journal,
		broadcaster: NewBroadcaster(h, opts.Player, opts.Sampler, opts.Config.BroadcastInterval()),
		router:      httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize1KB,
			WriteBufferSize: consts.BufferSize1KB,
			// Control panels are opened from file:// or another port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Named("server"),
		ctx: context.Background(),
	}

	s.setupRoutes()
	return s, nil
}

// Hub returns the connection registry
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Broadcaster returns the broadcast loop
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Handler returns the HTTP handler serving the WebSocket endpoint
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealth)
	if s.journal != nil {
		s.router.GET("/history", s.handleHistory)
	}
}

func (s *Server) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Server) newLimiter() *rate.Limiter {
	rl := s.cfg.RateLimit
	if rl.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rl.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), burst)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "deckcompanion: connect with ws://<host>:<port>/?device=<id>")
		return
	}
	s.handleWebSocket(w, r)
}

// handleWebSocket upgrades the request and runs the session until it ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		device = DefaultDeviceID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	session := newSession(s, conn, device)
	if !s.authorized(r) {
		s.log.Warn("WebSocket connection rejected for %s: invalid auth token", device)
		session.reject(AuthFailedReason)
		return
	}

	s.log.Info("Connected: %s (%s)", device, r.RemoteAddr)
	session.serve()
	s.log.Info("Disconnected: %s", device)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to read history: %v", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("server: failed to write response: %v", err)
	}
}

// record journals an executed action when a journal is configured
func (s *Server) record(ctx context.Context, e history.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("Failed to record action: %v", err)
	}
}

// PushProfile sends doc to every session whose device maps to key. It is
// the profile watcher's change callback.
func (s *Server) PushProfile(key string, doc *profile.Document) {
	n, err := s.hub.BroadcastToDevice(NewConfigMessage(doc), key, profile.Key)
	if err != nil {
		s.log.Error("Failed to push profile %s: %v", key, err)
		return
	}
	s.log.Info("Pushed updated profile %s to %d session(s)", key, n)
}

// StaticHandler serves the web client from dir: "/" is client.html, other
// paths are files below dir.
func StaticHandler(dir string) http.Handler {
	router := httprouter.New()
	router.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		http.ServeFile(w, r, filepath.Join(dir, staticIndex))
	})
	router.NotFound = http.FileServer(http.Dir(dir))
	return router
}

func (s *Server) httpServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return s.baseContext()
		},
	}
}

// Run listens on the configured addresses and serves until ctx is cancelled.
// Failing to bind a listener is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	servers := []*http.Server{s.httpServer(s.router)}
	listeners := []net.Listener{ln}
	s.log.Info("Listening on ws://%s", ln.Addr())

	if s.cfg.StaticDir != "" {
		staticLn, err := net.Listen("tcp", s.cfg.StaticAddr())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.StaticAddr(), err)
		}
		servers = append(servers, s.httpServer(StaticHandler(s.cfg.StaticDir)))
		listeners = append(listeners, staticLn)
		s.log.Info("Serving web client from %s on http://%s", s.cfg.StaticDir, staticLn.Addr())
	}

	// Sessions derive from gctx, so a failing listener ends them too.
	g, gctx := errgroup.WithContext(ctx)
	s.ctxMu.Lock()
	s.ctx = gctx
	s.ctxMu.Unlock()

	for i := range servers {
		srv, l := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return s.broadcaster.Run(gctx)
	})

	if s.cfg.WatchProfiles {
		watcher := profile.NewWatcher(s.store, s.PushProfile)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// the server keeps working without live profile reloads
				s.log.Warn("Profile watcher stopped: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("HTTP shutdown: %v", err)
			}
		}
		return nil
	})

	return g.Wait()
}
