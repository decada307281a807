package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/hostrelay/internal/core"
)

type Config struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	SendQueue        int
}

// Conn is a relay participant's WebSocket endpoint.
// It implements core.PeerConnection; frames queue in send and leave through WritePump.
type Conn struct {
	id   core.PeerID
	conn *websocket.Conn
	cfg  Config
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewConn(id core.PeerID, conn *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		id:   id,
		conn: conn,
		cfg:  cfg,
		send: make(chan core.Frame, cfg.SendQueue),
	}
}

func (c *Conn) ID() core.PeerID { return c.id }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrPeerClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. WritePump flushes what is queued, sends a close
// frame and closes the socket, which also ends ReadPump.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsGraceful reports whether a ReadPump error is a clean close handshake.
func IsGraceful(err error) bool {
	return err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

var errUnsupportedFrame = errors.New("unsupported frame kind")

func messageType(k core.FrameKind) (int, error) {
	switch k {
	case core.FrameText:
		return websocket.TextMessage, nil
	case core.FrameBinary:
		return websocket.BinaryMessage, nil
	default:
		return 0, errUnsupportedFrame
	}
}

func frameKind(mt int) (core.FrameKind, bool) {
	switch mt {
	case websocket.TextMessage:
		return core.FrameText, true
	case websocket.BinaryMessage:
		return core.FrameBinary, true
	default:
		return 0, false
	}
}
