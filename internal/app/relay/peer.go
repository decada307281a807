package relay

import (
	"github.com/dkeye/hostrelay/internal/adapters/ws"
	"github.com/dkeye/hostrelay/internal/core"
	"github.com/dkeye/hostrelay/internal/domain"
)

// peer is one accepted relay connection and its protocol state.
type peer struct {
	id    core.PeerID
	user  domain.User
	host  bool
	conn  *ws.Conn
	state core.StateMachine
}

func (p *peer) member() core.Member {
	return core.Member{ID: p.id, User: p.user, Host: p.host, Conn: p}
}

func (p *peer) TrySend(f core.Frame) error {
	if p.state.Get() != core.StateOpen {
		return core.ErrPeerClosed
	}
	return p.conn.TrySend(f)
}

// Close starts the Open -> Closing transition. The read pump observes the
// socket going away and finishes the leave.
func (p *peer) Close() {
	p.state.Transition(core.StateOpen, core.StateClosing)
	if p.conn != nil {
		p.conn.Close()
	}
}
