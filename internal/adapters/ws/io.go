package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/hostrelay/internal/core"
)

// WritePump owns every data write on the socket and closes it on exit.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "session ended")
			return
		case f, ok := <-c.send:
			if !ok {
				c.writeClose(websocket.CloseNormalClosure, "")
				return
			}
			mt, err := messageType(f.Kind)
			if err != nil {
				log.Warn().Str("module", "ws").Str("peer", string(c.id)).Int("kind", int(f.Kind)).Msg("writePump skipping frame")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "ws").Str("peer", string(c.id)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(mt, f.Data); err != nil {
				log.Debug().Err(err).Str("module", "ws").Str("peer", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "ws").Str("peer", string(c.id)).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Conn) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
}

// ReadPump delivers every complete data frame to onFrame until the connection ends.
// The returned error satisfies IsGraceful for a clean close handshake.
func (c *Conn) ReadPump(onFrame func(core.Frame)) error {
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		kind, ok := frameKind(mt)
		if !ok {
			continue
		}
		onFrame(core.Frame{Kind: kind, Data: data})
	}
}
