// Package gateway upgrades websocket connections and runs the cloud
// variable protocol: one handshake binds a connection to a room, then
// newline-delimited JSON mutation frames flow until the peer leaves or
// breaks the protocol.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"cloudvars/server/internal/auth"
	"cloudvars/server/internal/policy"
	"cloudvars/server/internal/room"
	"cloudvars/server/internal/store"
)

// Close codes sent to clients, all outside the reserved transport
// range. Only CloseOverloaded is worth a retry.
const (
	CloseProtocolError = 4000
	CloseOverloaded    = 4001
	CloseUnavailable   = 4004
)

// FlagAnonymousWrite is the well-known per-project settings key that
// opens a public project to anonymous writers.
const FlagAnonymousWrite = "anonymous_cloud_write"

// ProjectDirectory resolves a resource id to its owner and visibility.
// The gateway never reveals to a client whether a project was missing
// or merely forbidden.
type ProjectDirectory interface {
	Lookup(ctx context.Context, resourceID string) (policy.Resource, bool, error)
}

// SettingsFlags reads per-project boolean flags, false on absence.
type SettingsFlags interface {
	Flag(ctx context.Context, resourceID, flagKey string) (bool, error)
}

// Config wires a Handler. Verifier, Projects, Settings, Store, History
// and Rooms are required.
type Config struct {
	Logger   *slog.Logger
	Verifier auth.Verifier
	Projects ProjectDirectory
	Settings SettingsFlags
	Store    *store.Store
	History  *store.History
	Rooms    *room.Registry
	Metrics  *Metrics

	// CheckOrigin overrides the upgrader's origin policy. The default
	// accepts any origin: cloud variables are written from arbitrary
	// embedding pages.
	CheckOrigin func(r *http.Request) bool
}

// Handler owns the websocket surface and all live sessions.
type Handler struct {
	logger   *slog.Logger
	verifier auth.Verifier
	projects ProjectDirectory
	settings SettingsFlags
	store    *store.Store
	history  *store.History
	rooms    *room.Registry
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	h := &Handler{
		logger:   logger,
		verifier: cfg.Verifier,
		projects: cfg.Projects,
		settings: cfg.Settings,
		store:    cfg.Store,
		history:  cfg.History,
		rooms:    cfg.Rooms,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[*Session]struct{}),
	}
	metrics.observeRooms(cfg.Rooms.RoomCount, cfg.Rooms.MemberCount)
	return h
}

// Routes installs the gateway's fixed surface. Upgrades are accepted
// on /ws only; anything else is a plain HTTP response, never a
// websocket close code.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.HTTPHandler()).Methods(http.MethodGet)
	r.HandleFunc("/", h.serveHealth).Methods(http.MethodGet)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"service":     "cloudvars",
		"connections": h.sessionCount(),
		"rooms":       h.rooms.RoomCount(),
	})
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(r)
	if err != nil {
		// A bad credential fails the upgrade outright; it never
		// downgrades the caller to anonymous.
		h.logger.Warn("credential rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(h, ws, identity, r.RemoteAddr)
	h.track(s)
	h.metrics.Connections.Inc()
	go s.writePump()
	go s.readLoop()
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

func (h *Handler) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close terminates every live session with a going-away close. Used at
// shutdown after the listener stops accepting upgrades.
func (h *Handler) Close() {
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}
