package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/hostrelay/internal/adapters/ws"
	"github.com/dkeye/hostrelay/internal/app"
	"github.com/dkeye/hostrelay/internal/core"
	"github.com/dkeye/hostrelay/internal/domain"
	"github.com/dkeye/hostrelay/internal/observability"
)

// Instance is the live relay of one session: one listener, one membership.
type Instance struct {
	port      uint16
	host      domain.User
	hostToken string

	listener net.Listener
	server   *http.Server
	upgrader *websocket.Upgrader
	opts     Options
	registry *app.Registry
	members  core.Membership
	limiter  *ws.RateLimiter
	metrics  *observability.Metrics
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pumps  conc.WaitGroup

	// mu serializes join, leave and terminate so the registry and the
	// membership change together.
	mu           sync.Mutex
	terminated   bool
	hostAttached bool
	idle         *time.Timer
	idleGen      uint64

	onTerminate func(port uint16)
	once        sync.Once
	done        chan struct{}
}

func newInstance(
	listener net.Listener,
	host domain.User,
	hostToken string,
	registry *app.Registry,
	opts Options,
	onTerminate func(port uint16),
) *Instance {
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		port:        port,
		host:        host,
		hostToken:   hostToken,
		listener:    listener,
		upgrader:    ws.NewUpgrader(opts.WS),
		opts:        opts,
		registry:    registry,
		members:     core.NewMembership(),
		metrics:     opts.Metrics,
		logger:      log.With().Str("module", "relay").Uint16("port", port).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		onTerminate: onTerminate,
		done:        make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		inst.limiter = ws.NewRateLimiter(opts.RateLimit, opts.RateWindow)
	}
	inst.server = &http.Server{
		Handler:           inst,
		ReadHeaderTimeout: opts.WS.HandshakeTimeout,
	}
	inst.server.SetKeepAlivesEnabled(false)
	return inst
}

func (i *Instance) Port() uint16 { return i.port }
func (i *Instance) Done() <-chan struct{} { return i.done }

// start runs the accept loop in the background.
func (i *Instance) start() {
	i.mu.Lock()
	i.resetIdleLocked()
	i.mu.Unlock()

	go func() {
		i.logger.Info().Str("host", i.host.Name).Msg("relay listening")
		err := i.server.Serve(i.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.logger.Error().Err(err).Msg("accept loop failed")
			i.Terminate("accept loop failed")
		}
	}()
}

// ServeHTTP drives one connection from Handshaking to Closed.
func (i *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := &peer{id: core.PeerID(uuid.NewString())}
	p.state.Transition(core.StateConnecting, core.StateHandshaking)
	logger := i.logger.With().Str("peer", string(p.id)).Str("remote_addr", r.RemoteAddr).Logger()

	acc, err := ws.Handshake(i.upgrader, w, r)
	if err != nil {
		p.state.Transition(core.StateHandshaking, core.StateRejected)
		reason := ws.ReasonUpgrade
		var herr *ws.HandshakeError
		if errors.As(err, &herr) {
			reason = herr.Reason
		}
		i.metrics.HandshakesRejected.WithLabelValues(reason).Inc()
		logger.Info().Err(err).Msg("handshake rejected")
		return
	}
	p.user = acc.User
	p.conn = ws.NewConn(p.id, acc.Conn, i.opts.WS)
	logger = logger.With().Str("user", p.user.Name).Logger()

	if !i.join(p, acc.Token) {
		p.state.Transition(core.StateHandshaking, core.StateRejected)
		_ = acc.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
			time.Now().Add(i.opts.WS.WriteWait))
		_ = acc.Conn.Close()
		logger.Info().Msg("handshake completed after session ended")
		return
	}
	logger.Info().Bool("host", p.host).Msg("peer open")

	err = p.conn.ReadPump(func(f core.Frame) { i.broadcast(p, f) })
	if ws.IsGraceful(err) {
		logger.Info().Msg("peer closed")
	} else {
		logger.Info().Err(err).Msg("peer disconnected")
	}
	i.leave(p)
}

// join makes p a participant. It fails only when the session has ended.
func (i *Instance) join(p *peer, token string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.terminated {
		return false
	}
	if token != "" && !i.hostAttached &&
		subtle.ConstantTimeCompare([]byte(token), []byte(i.hostToken)) == 1 {
		p.host = true
		i.hostAttached = true
	}

	p.state.Transition(core.StateHandshaking, core.StateOpen)
	i.members.Add(p.member())
	if err := i.syncParticipantsLocked(); err != nil {
		i.logger.Debug().Err(err).Msg("join after registry removal")
	}
	i.metrics.PeersOpen.Inc()
	i.resetIdleLocked()

	i.pumps.Go(func() { p.conn.WritePump(i.ctx) })
	return true
}

// leave runs once per open peer when its read pump ends.
func (i *Instance) leave(p *peer) {
	p.Close()
	i.limiter.Forget(p.id)

	i.mu.Lock()
	_, removed := i.members.Remove(p.id)
	if removed {
		if err := i.syncParticipantsLocked(); err != nil {
			i.logger.Debug().Err(err).Str("peer", string(p.id)).Msg("leave after registry removal")
		}
		i.metrics.PeersOpen.Dec()
		i.resetIdleLocked()
	}
	i.mu.Unlock()

	p.state.Transition(core.StateClosing, core.StateClosed)
	if removed && p.host {
		i.Terminate("host left")
	}
}

// syncParticipantsLocked mirrors the membership into the registry entry, so
// joined_users always lists the open peers in the order broadcast visits them.
func (i *Instance) syncParticipantsLocked() error {
	users := lo.Map(i.members.Snapshot(), func(m core.Member, _ int) domain.User { return m.User })
	return i.registry.UpdateParticipants(i.port, app.ReplaceParticipants(users))
}

// broadcast fans f out to every other open peer, in join order.
func (i *Instance) broadcast(from *peer, f core.Frame) {
	i.metrics.FramesReceived.Inc()
	if !i.limiter.Allow(from.id) {
		i.metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		i.logger.Debug().Str("peer", string(from.id)).Msg("frame over rate limit dropped")
		return
	}

	res := i.members.Broadcast(from.id, f)
	i.metrics.FramesDelivered.Add(float64(res.SentTo))
	if len(res.Failed) > 0 {
		i.metrics.FramesDropped.WithLabelValues("closed").Add(float64(len(res.Failed)))
	}
	for _, slow := range res.Dropped {
		i.metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		switch i.opts.Policy.OnBackPressure(slow) {
		case app.KickMember:
			i.logger.Warn().
				Err(domain.ErrPeerWriteFailed).
				Str("peer", string(slow.ID)).
				Str("user", slow.User.Name).
				Msg("kicking slow peer")
			slow.Conn.Close()
		case app.DropFrame, app.NoAction:
		}
	}
}

// Terminate ends the session: the registry entry goes first so no client is
// sent to a dying port, then the listener and every peer are closed.
func (i *Instance) Terminate(reason string) {
	i.once.Do(func() {
		i.logger.Info().Str("reason", reason).Msg("relay terminating")

		i.mu.Lock()
		i.terminated = true
		if i.idle != nil {
			i.idle.Stop()
		}
		peers := i.members.Snapshot()
		i.mu.Unlock()

		if i.onTerminate != nil {
			i.onTerminate(i.port)
		}
		_ = i.server.Close()
		i.cancel()
		for _, m := range peers {
			m.Conn.Close()
		}

		go func() {
			if r := i.pumps.WaitAndRecover(); r != nil {
				i.logger.Error().Str("panic", r.String()).Msg("relay pump panicked")
			}
			close(i.done)
		}()
	})
}

// resetIdleLocked (re)arms the idle timer while only the host, or nobody, is connected.
func (i *Instance) resetIdleLocked() {
	if i.opts.IdleTimeout <= 0 || i.terminated {
		return
	}
	if i.idle != nil {
		i.idle.Stop()
	}
	i.idleGen++
	if i.members.Guests() > 0 {
		return
	}
	gen := i.idleGen
	i.idle = time.AfterFunc(i.opts.IdleTimeout, func() {
		i.mu.Lock()
		stale := gen != i.idleGen
		i.mu.Unlock()
		if !stale {
			i.Terminate("idle")
		}
	})
}
