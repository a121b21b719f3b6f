// Package gateway serves the read-only status API and relays broadcast
// events to websocket observers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/session"
	"github.com/fireredbot/fireredbot/internal/timeline"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	pongWait    = 2 * pingPeriod
	clientQueue = 128
)

// StateSource exposes the latest published state snapshot.
type StateSource interface {
	Snapshot() *session.Snapshot
}

// Subscriber registers broadcast observers.
type Subscriber interface {
	Subscribe(name string, callback func(bus.Event)) func()
}

// Options configure a Server.
type Options struct {
	Addr      string
	AuthToken string
	Version   string
	State     StateSource
	Events    Subscriber
	// Timeline is optional; without it the timeline and usage routes answer 404.
	Timeline *timeline.TimelineService
}

// Server is the status gateway.
type Server struct {
	opts     Options
	started  time.Time
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  int
}

// New creates a gateway server.
func New(opts Options) *Server {
	return &Server{
		opts:    opts,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API: Status (unauthenticated health check)
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":        s.opts.Version,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"ws_clients":     s.clientCount(),
			"state":          s.opts.State.Snapshot(),
		})
	})

	// API: Auth Verify (POST)
	mux.HandleFunc("/api/v1/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			writeJSON(w, http.StatusOK, map[string]any{"valid": true, "auth_required": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": s.authorized(r), "auth_required": true})
	})

	// API: Timeline
	mux.HandleFunc("/api/v1/timeline", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Timeline == nil {
			http.NotFound(w, r)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit == 0 {
			limit = 100
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		events, err := s.opts.Timeline.GetEvents(timeline.FilterArgs{
			EventType: r.URL.Query().Get("type"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}))

	// API: Token usage
	mux.HandleFunc("/api/v1/usage", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Timeline == nil {
			http.NotFound(w, r)
			return
		}
		now := time.Now()
		today, err := s.opts.Timeline.GetDailyTokenUsage(now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		totals, err := s.opts.Timeline.UsageTotals(now.Add(-24 * time.Hour))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"today_tokens": today, "last_24h": totals})
	}))

	mux.HandleFunc("/ws", s.requireAuth(s.serveEvents))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Gateway shutdown", "error", err)
		}
		return nil
	}
}

// authorized accepts the token as a Bearer header or, for browsers opening
// a websocket, as the token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == s.opts.AuthToken
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) trackClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	s.mu.Unlock()
}

// serveEvents upgrades to a websocket and streams every broadcast event as
// JSON. A client that cannot keep up loses events rather than stalling the
// broadcaster.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	queue := make(chan bus.Event, clientQueue)
	name := "ws-" + uuid.NewString()
	// Subscribe before the handshake completes so no event after it is missed.
	unsubscribe := s.opts.Events.Subscribe(name, func(ev bus.Event) {
		select {
		case queue <- ev:
		default:
			slog.Debug("Websocket client lagging, dropping event", "client", name, "type", ev.Type)
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.trackClient(1)
	defer s.trackClient(-1)
	slog.Info("Websocket client connected", "client", name, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			slog.Info("Websocket client disconnected", "client", name)
			return
		case <-r.Context().Done():
			return
		case ev := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Websocket write failed", "client", name, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Encode response", "error", err)
	}
}
