package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
)

// Conn is the slice of *websocket.Conn the registry drives. Tests substitute
// failing transports through it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Metadata travels with a session for the lifetime of the connection. The
// notifications flag is the only mutable field; it tracks set_preference
// frames so role listings stay consistent with the collaborator store.
type Metadata struct {
	Role                 model.Role
	Username             string
	NotificationsEnabled bool
	Status               string
	MutedConversations   []string
}

// Session is one user's live duplex connection. At most one exists per user
// in a process; the registry enforces that.
type Session struct {
	userID      string
	conn        Conn
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nano

	metaMu sync.RWMutex
	meta   Metadata

	// Serializes data-frame writes; control frames may bypass it, gorilla
	// allows WriteControl concurrently with WriteMessage.
	writeMu   sync.Mutex
	writeWait time.Duration

	closeOnce sync.Once
	done      chan struct{}

	log *zap.SugaredLogger
}

func newSession(conn Conn, userID string, meta Metadata, writeWait time.Duration) *Session {
	s := &Session{
		userID:      userID,
		conn:        conn,
		connectedAt: time.Now(),
		meta:        meta,
		writeWait:   writeWait,
		done:        make(chan struct{}),
		log:         zap.S().With("user", userID, "role", meta.Role.String()),
	}
	s.touch()
	return s
}

func (s *Session) UserID() string         { return s.userID }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) Meta() Metadata {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta
}

func (s *Session) setNotificationsEnabled(enabled bool) {
	s.metaMu.Lock()
	s.meta.NotificationsEnabled = enabled
	s.metaMu.Unlock()
}

// write pushes one data frame, bounded by the write deadline. Any error means
// the transport is considered dead by the caller.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// terminate closes the transport exactly once, with an application close
// frame the client can show.
func (s *Session) terminate(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		message := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.writeWait)); err != nil {
			s.log.Debug("close frame:", err)
		}
		if err := s.conn.Close(); err != nil {
			s.log.Debug("conn close:", err)
		}
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
