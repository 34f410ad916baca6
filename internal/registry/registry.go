// Package registry owns every live duplex session in the process: accept and
// evict lifecycle, per-connection heartbeats and the stale-session reaper.
// Connect and disconnect write through to the session store so restarts keep
// an audit trail, but the in-memory table here is the only authority for
// "is this user online".
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/notify"
	"github.com/realb/realtime/internal/sessionstore"
)

// Application close codes sent when the server evicts a connection.
const (
	CloseSuperseded = 4000
	CloseStale      = 4001
	CloseShutdown   = 4002
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteWait         = 10 * time.Second
	defaultReadLimit         = 4096
	storeTimeout             = 5 * time.Second
)

// SessionSink receives connect/disconnect write-throughs. Failures inside the
// sink are its own business; the registry never blocks on it semantically.
type SessionSink interface {
	SaveConnected(ctx context.Context, rec sessionstore.Record)
	MarkDisconnected(ctx context.Context, userID string, at time.Time)
}

// Preferences is the collaborator hook behind set_preference frames.
type Preferences interface {
	UpdateNotificationPreference(ctx context.Context, userID string, enabled bool) error
}

type Options struct {
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
	ReadLimit         int64
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store SessionSink
	prefs Preferences

	interval  time.Duration
	writeWait time.Duration
	readLimit int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(store SessionSink, prefs Preferences, opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		store:     store,
		prefs:     prefs,
		interval:  opts.HeartbeatInterval,
		writeWait: opts.WriteWait,
		readLimit: opts.ReadLimit,
		done:      make(chan struct{}),
	}
}

// Start launches the stale-session reaper. The reaper is the only component
// evicting on elapsed time alone; the per-session heartbeat only evicts on
// write errors, which avoids racing an in-flight disconnect.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.reap()
}

// Stop halts the reaper and closes every live session deterministically.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.terminate(CloseShutdown, "server shutdown")
		r.persistDisconnect(s.userID)
	}
	// Terminated conns unblock the pump goroutines.
	r.wg.Wait()
}

// Connect installs a session for userID, evicting any existing one first
// (last writer wins), then starts its read loop and heartbeat.
func (r *Registry) Connect(conn Conn, userID string, meta Metadata) (*Session, error) {
	log := zap.S().With("method", "Connect", "user", userID)

	s := newSession(conn, userID, meta, r.writeWait)

	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if old != nil {
		log.Info("superseding previous session")
		old.terminate(CloseSuperseded, "superseded by newer connection")
		r.persistDisconnect(userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	r.store.SaveConnected(ctx, sessionstore.FromMetadata(
		userID, meta.Role, meta.Username, meta.Status, meta.NotificationsEnabled, s.connectedAt))
	cancel()

	r.wg.Add(2)
	go r.readPump(s)
	go r.heartbeat(s)

	log.Info("registered")
	return s, nil
}

// Disconnect removes the user's session if present. Idempotent.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if s == nil {
		return
	}
	s.terminate(websocket.CloseNormalClosure, "")
	r.persistDisconnect(userID)
	zap.S().Infow("disconnected", "user", userID)
}

// remove evicts s only if it is still the registered session for its user,
// so a dying superseded connection cannot tear down its replacement.
func (r *Registry) remove(s *Session, code int, reason string) {
	r.mu.Lock()
	current := r.sessions[s.userID] == s
	if current {
		delete(r.sessions, s.userID)
	}
	r.mu.Unlock()

	s.terminate(code, reason)
	if current {
		r.persistDisconnect(s.userID)
		zap.S().Infow("evicted", "user", s.userID, "reason", reason)
	}
}

func (r *Registry) persistDisconnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	r.store.MarkDisconnected(ctx, userID, time.Now())
	cancel()
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	_, ok := r.sessions[userID]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// ListByRole returns connected user ids whose role matches. Roles are
// normalized at the store boundary, so the comparison is exact here.
func (r *Registry) ListByRole(role model.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := []string{}
	for id, s := range r.sessions {
		if s.Meta().Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConnectedIDs snapshots all live user ids.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Send attempts one in-channel delivery. Any transport error evicts the
// session before returning false: a duplex channel that cannot accept a write
// is assumed broken, not congested.
func (r *Registry) Send(userID string, msg *notify.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		zap.S().Errorw("marshal message", "user", userID, "error", err)
		return false
	}
	return r.sendData(userID, data)
}

// SendJSON marshals v and delivers it over the user's channel. Used for
// control frames that are not NotificationMessages.
func (r *Registry) SendJSON(userID string, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		zap.S().Errorw("marshal frame", "user", userID, "error", err)
		return false
	}
	return r.sendData(userID, data)
}

// SetNotificationsEnabled mirrors an out-of-band preference change into the
// live session, if any.
func (r *Registry) SetNotificationsEnabled(userID string, enabled bool) {
	if s := r.Get(userID); s != nil {
		s.setNotificationsEnabled(enabled)
	}
}

func (r *Registry) sendData(userID string, data []byte) bool {
	s := r.Get(userID)
	if s == nil {
		return false
	}
	if err := s.write(data); err != nil {
		zap.S().Warnw("send failed, evicting", "user", userID, "error", err)
		r.remove(s, websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

// Broadcast delivers msg to targetIDs, or to every live session when
// targetIDs is empty. Per-user failures land in the result map, never as an
// error.
func (r *Registry) Broadcast(msg *notify.Message, targetIDs []string) map[string]bool {
	results := map[string]bool{}

	data, err := json.Marshal(msg)
	if err != nil {
		zap.S().Errorw("marshal broadcast", "type", msg.Type(), "error", err)
		for _, id := range targetIDs {
			results[id] = false
		}
		return results
	}

	if len(targetIDs) == 0 {
		targetIDs = r.ConnectedIDs()
	}
	for _, id := range targetIDs {
		results[id] = r.sendData(id, data)
	}
	return results
}

// readPump is the per-session read loop: it refreshes liveness on every
// inbound frame and dispatches recognized message types.
func (r *Registry) readPump(s *Session) {
	defer r.wg.Done()
	defer r.remove(s, websocket.CloseAbnormalClosure, "read failed")

	s.conn.SetReadLimit(r.readLimit)
	s.conn.SetReadDeadline(time.Now().Add(2 * r.interval))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(2 * r.interval))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseSuperseded) {
				s.log.Warn("read:", err)
			}
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(2 * r.interval))
		r.handleInbound(s, data)
	}
}

type inboundFrame struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled"`
}

func (r *Registry) handleInbound(s *Session, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warn("inbound frame not json:", err)
		return
	}

	switch strings.ToLower(frame.Type) {
	case "ping", "pong":
		// Keepalive, liveness already refreshed by the read loop.
	case "set_preference":
		if frame.Enabled == nil {
			s.log.Warn("set_preference without enabled flag")
			return
		}
		r.updatePreference(s, *frame.Enabled)
	default:
		s.log.Infow("ignoring frame", "type", frame.Type)
	}
}

func (r *Registry) updatePreference(s *Session, enabled bool) {
	if r.prefs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := r.prefs.UpdateNotificationPreference(ctx, s.userID, enabled)
		cancel()
		if err != nil {
			s.log.Error("update preference:", err)
			return
		}
	}
	s.setNotificationsEnabled(enabled)

	ack, err := json.Marshal(map[string]interface{}{
		"type":    string(notify.TypePreferenceUpdated),
		"enabled": enabled,
	})
	if err == nil {
		if err := s.write(ack); err != nil {
			r.remove(s, websocket.CloseAbnormalClosure, "write failed")
		}
	}
}

// heartbeat pings the peer every interval. A failed ping means the transport
// is gone; the reaper handles peers that are reachable but silent.
func (r *Registry) heartbeat(s *Session) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.log.Warn("heartbeat:", err)
				r.remove(s, websocket.CloseAbnormalClosure, "heartbeat failed")
				return
			}
		case <-s.done:
			return
		case <-r.done:
			return
		}
	}
}

// reap sweeps for sessions with no observed activity for two heartbeat
// intervals and evicts them.
func (r *Registry) reap() {
	defer r.wg.Done()

	ticker := time.NewTicker(2 * r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapOnce()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) reapOnce() int {
	threshold := time.Now().Add(-2 * r.interval)

	r.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.LastSeen().Before(threshold) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		zap.S().Warnw("reaping stale session", "user", s.userID, "last_seen", s.LastSeen())
		r.remove(s, CloseStale, "stale connection")
	}
	return len(stale)
}
