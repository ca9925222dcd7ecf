package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cloudvars/server/internal/cloudvar"
	"cloudvars/server/internal/policy"
	"cloudvars/server/internal/room"
	"cloudvars/server/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256

	// maxResourceIDLength bounds the handshake id before any parsing.
	maxResourceIDLength = 1000
)

// frame is one inbound protocol line. Value and ProjectID stay raw:
// clients send both numbers and strings there.
type frame struct {
	Method    string          `json:"method"`
	ProjectID json.RawMessage `json:"project_id"`
	User      string          `json:"user"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	NewName   string          `json:"new_name"`
}

// setFrame is the only server-to-client frame shape.
type setFrame struct {
	Method string `json:"method"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

func encodeSet(name, value string) []byte {
	payload, _ := json.Marshal(setFrame{Method: "set", Name: name, Value: value})
	return payload
}

// closeError carries the close code a protocol failure maps to.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}

func protocolError(reason string) *closeError {
	return &closeError{code: CloseProtocolError, reason: reason}
}

func unavailable() *closeError {
	return &closeError{code: CloseUnavailable, reason: "project unavailable"}
}

// Session is one websocket connection moving through the
// Connecting → Attached → Closed lifecycle. Frames are handled on the
// read goroutine in arrival order; outbound payloads go through the
// send channel to the single writer goroutine.
type Session struct {
	id     string
	h      *Handler
	conn   *websocket.Conn
	logger *slog.Logger
	origin string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	once   sync.Once

	// Protocol state, touched only from the read goroutine.
	identity    policy.Identity
	hasIdentity bool
	attached    bool
	resource    policy.Resource
}

func newSession(h *Handler, conn *websocket.Conn, identity *policy.Identity, origin string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		h:      h,
		conn:   conn,
		origin: origin,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}
	if identity != nil {
		s.identity = *identity
		s.hasIdentity = true
	}
	s.logger = h.logger.With("conn_id", s.id, "remote", origin)
	return s
}

// ID identifies the session within its room.
func (s *Session) ID() string { return s.id }

// Deliver queues an outbound payload without blocking. A full buffer
// drops the payload; the slow peer is torn down by its own close path.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close tears the session down exactly once: room membership is
// released synchronously so capacity frees immediately, then the
// transport is closed. code 0 means the peer already went away and no
// close frame is owed.
func (s *Session) close(code int, reason string) {
	s.once.Do(func() {
		s.h.rooms.Leave(s)
		s.h.untrack(s)
		s.h.metrics.Connections.Dec()
		if code != 0 {
			s.h.metrics.countClose(code)
			message := websocket.FormatCloseMessage(code, reason)
			// WriteControl is safe alongside the writer goroutine.
			s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		}
		s.cancel()
		s.conn.Close()
		s.logger.Info("session closed", "code", code, "reason", reason)
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close(0, "")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(0, "")
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(0, "")
			return
		}
		if messageType != websocket.TextMessage {
			s.fail(protocolError("binary frame"))
			return
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if cerr := s.handleFrame(line); cerr != nil {
				s.fail(cerr)
				return
			}
		}
	}
}

func (s *Session) fail(cerr *closeError) {
	s.logger.Warn("protocol failure", "code", cerr.code, "reason", cerr.reason)
	s.close(cerr.code, cerr.reason)
}

// handleFrame validates one line completely before any state is
// touched; a bad frame never applies partially.
func (s *Session) handleFrame(line []byte) *closeError {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return protocolError("malformed frame")
	}
	if f.Method == "" {
		return protocolError("missing method")
	}

	if !s.attached {
		if f.Method != "handshake" {
			return protocolError("frame before handshake")
		}
		return s.handleHandshake(&f)
	}

	switch f.Method {
	case "handshake":
		return protocolError("duplicate handshake")
	case "set", "create":
		return s.handleSet(&f)
	case "rename":
		return s.handleRename(&f)
	case "delete":
		return s.handleDelete(&f)
	default:
		return protocolError("unknown method")
	}
}

func (s *Session) handleHandshake(f *frame) *closeError {
	resourceID, ok := parseResourceID(f.ProjectID)
	if !ok {
		return protocolError("malformed project id")
	}
	if !s.hasIdentity {
		s.identity = policy.Anonymous(f.User)
	}

	res, found, err := s.h.projects.Lookup(s.ctx, resourceID)
	if err != nil {
		s.logger.Error("project lookup failed", "resource", resourceID, "error", err)
		return unavailable()
	}
	if !found {
		return unavailable()
	}

	anonWrite := false
	if s.identity.IsAnonymous() {
		anonWrite, err = s.h.settings.Flag(s.ctx, resourceID, FlagAnonymousWrite)
		if err != nil {
			s.logger.Error("settings lookup failed", "resource", resourceID, "error", err)
			anonWrite = false
		}
	}
	if err := policy.Decide(res, s.identity, anonWrite); err != nil {
		return unavailable()
	}

	if err := s.h.rooms.Join(resourceID, s); err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			return &closeError{code: CloseOverloaded, reason: "room full"}
		}
		return unavailable()
	}

	s.attached = true
	s.resource = res

	// Push current state as one burst of canonical set frames.
	vars := s.h.store.Load(s.ctx, resourceID, res.Owner)
	if len(vars) > 0 {
		lines := make([][]byte, 0, len(vars))
		for name, value := range vars {
			lines = append(lines, encodeSet(name, value))
		}
		s.Deliver(bytes.Join(lines, []byte("\n")))
	}

	s.logger.Info("attached", "resource", resourceID, "actor", s.identity.Display(), "variables", len(vars))
	return nil
}

func (s *Session) handleSet(f *frame) *closeError {
	if !cloudvar.ValidName(f.Name) {
		s.h.metrics.countOutcome(cloudvar.Rejected)
		return protocolError("invalid variable name")
	}
	value, ok := cloudvar.NormalizeValue(f.Value)
	if !ok {
		// Malformed payload value, not a malformed envelope: drop the
		// frame and keep the connection.
		s.h.metrics.countOutcome(cloudvar.Ignored)
		s.logger.Debug("value ignored", "name", f.Name)
		return nil
	}

	if err := s.h.store.Set(s.ctx, s.resource.ID, s.resource.Owner, f.Name, value); err != nil {
		// Persistence is degraded; the mutation applied nowhere, so
		// nothing is logged to history or broadcast. The connection
		// stays open.
		s.logger.Error("set failed", "resource", s.resource.ID, "name", f.Name, "error", err)
		return nil
	}
	s.appendHistory(f.Method, f.Name, &value)
	s.h.metrics.Mutations.WithLabelValues(f.Method).Inc()
	s.h.metrics.countOutcome(cloudvar.Applied)
	s.h.rooms.Broadcast(s.resource.ID, s, encodeSet(f.Name, value))
	return nil
}

func (s *Session) handleRename(f *frame) *closeError {
	if !cloudvar.ValidName(f.Name) || !cloudvar.ValidName(f.NewName) {
		s.h.metrics.countOutcome(cloudvar.Rejected)
		return protocolError("invalid variable name")
	}
	value, err := s.h.store.Rename(s.ctx, s.resource.ID, s.resource.Owner, f.Name, f.NewName)
	if errors.Is(err, store.ErrNoVariable) {
		s.h.metrics.countOutcome(cloudvar.Rejected)
		return protocolError("variable does not exist")
	}
	if err != nil {
		// Persistence is degraded; the mutation did not apply, but
		// that is not the client's fault.
		s.logger.Error("rename failed", "resource", s.resource.ID, "name", f.Name, "error", err)
		return nil
	}

	s.appendHistory("rename", f.NewName, &value)
	s.h.metrics.Mutations.WithLabelValues("rename").Inc()
	s.h.metrics.countOutcome(cloudvar.Applied)
	s.h.rooms.Broadcast(s.resource.ID, s, encodeSet(f.NewName, value))
	return nil
}

func (s *Session) handleDelete(f *frame) *closeError {
	if !cloudvar.ValidName(f.Name) {
		s.h.metrics.countOutcome(cloudvar.Rejected)
		return protocolError("invalid variable name")
	}
	err := s.h.store.Delete(s.ctx, s.resource.ID, s.resource.Owner, f.Name)
	if errors.Is(err, store.ErrNoVariable) {
		s.h.metrics.countOutcome(cloudvar.Rejected)
		return protocolError("variable does not exist")
	}
	if err != nil {
		s.logger.Error("delete failed", "resource", s.resource.ID, "name", f.Name, "error", err)
		return nil
	}

	// Peers keep their last value for a deleted name: the protocol has
	// no delete frame.
	s.appendHistory("delete", f.Name, nil)
	s.h.metrics.Mutations.WithLabelValues("delete").Inc()
	s.h.metrics.countOutcome(cloudvar.Applied)
	return nil
}

func (s *Session) appendHistory(method, name string, value *string) {
	var actorID *string
	if !s.identity.IsAnonymous() {
		id := s.identity.UserID()
		actorID = &id
	}
	s.h.history.Append(store.Entry{
		ResourceID: s.resource.ID,
		Method:     method,
		Name:       name,
		Value:      value,
		ActorID:    actorID,
		ActorName:  s.identity.Display(),
		Origin:     s.origin,
	})
}

// parseResourceID accepts a JSON number or string, bounds it before
// parsing, and requires a positive integer. The canonical decimal form
// is the room key.
func parseResourceID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || len(raw) > maxResourceIDLength+2 {
		return "", false
	}
	text := string(raw)
	if raw[0] == '"' {
		var decoded string
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", false
		}
		text = decoded
	}
	if len(text) == 0 || len(text) > maxResourceIDLength {
		return "", false
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return "", false
	}
	return strconv.FormatInt(id, 10), true
}
