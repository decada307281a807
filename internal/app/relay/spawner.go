// Package relay spawns and runs the per-session relay servers.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/hostrelay/internal/adapters/ws"
	"github.com/dkeye/hostrelay/internal/app"
	"github.com/dkeye/hostrelay/internal/config"
	"github.com/dkeye/hostrelay/internal/domain"
	"github.com/dkeye/hostrelay/internal/observability"
)

// Options configures every relay a Spawner starts.
type Options struct {
	BindHost    string
	WS          ws.Config
	IdleTimeout time.Duration
	RateLimit   int
	RateWindow  time.Duration
	Policy      app.Policy
	Metrics     *observability.Metrics
}

// OptionsFromConfig maps the relay section of the config file.
func OptionsFromConfig(cfg config.RelayConfig, metrics *observability.Metrics) (Options, error) {
	policy, err := app.PolicyByName(cfg.SlowPeerPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		BindHost: cfg.BindHost,
		WS: ws.Config{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadLimit:        cfg.ReadLimit,
			PingPeriod:       cfg.PingPeriod,
			PongWait:         cfg.PongWait,
			WriteWait:        cfg.WriteWait,
			SendQueue:        cfg.SendQueue,
		},
		IdleTimeout: cfg.IdleTimeout,
		RateLimit:   cfg.RateLimit,
		RateWindow:  cfg.RateWindow,
		Policy:      policy,
		Metrics:     metrics,
	}, nil
}

// HostedSession is what the hosting client gets back.
type HostedSession struct {
	Port      uint16
	Username  string
	HostToken string
}

type spawnResult struct {
	session HostedSession
	err     error
}

type listenFunc func(network, address string) (net.Listener, error)

// Spawner starts one relay Instance per hosted session and keeps the
// registry in step with their lifetimes.
type Spawner struct {
	registry *app.Registry
	opts     Options
	listen   listenFunc

	mu        sync.Mutex
	instances map[uint16]*Instance
}

func NewSpawner(registry *app.Registry, opts Options) *Spawner {
	if opts.Policy == nil {
		opts.Policy = app.KickPolicy{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return &Spawner{
		registry:  registry,
		opts:      opts,
		listen:    net.Listen,
		instances: make(map[uint16]*Instance),
	}
}

// Host binds a new relay for user off the caller's goroutine and waits for the
// one-shot result. If ctx ends first the relay, once up, is torn down again.
func (s *Spawner) Host(ctx context.Context, user domain.User) (HostedSession, error) {
	result := make(chan spawnResult, 1)
	go s.spawn(user, result)

	select {
	case res := <-result:
		return res.session, res.err
	case <-ctx.Done():
		go s.reap(result)
		s.opts.Metrics.SessionsHosted.WithLabelValues("abandoned").Inc()
		return HostedSession{}, fmt.Errorf("waiting for relay: %w", ctx.Err())
	}
}

// spawn fulfils result exactly once, even if startup panics.
func (s *Spawner) spawn(user domain.User, result chan<- spawnResult) {
	var res spawnResult
	var pc panics.Catcher
	pc.Try(func() { res = s.start(user) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "relay.spawner").Str("panic", r.String()).Msg("relay startup panicked")
		res = spawnResult{err: fmt.Errorf("relay startup: %w", r.AsError())}
	}
	result <- res
}

func (s *Spawner) start(user domain.User) spawnResult {
	logger := log.With().Str("module", "relay.spawner").Str("user", user.Name).Logger()

	ln, err := s.listen("tcp", net.JoinHostPort(s.opts.BindHost, "0"))
	if err != nil {
		logger.Error().Err(err).Msg("could not bind relay")
		s.opts.Metrics.SessionsHosted.WithLabelValues("bind_failed").Inc()
		return spawnResult{err: fmt.Errorf("%w: %w", domain.ErrBindFailed, err)}
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	if err := s.registry.Insert(domain.Session{Port: port, Host: user, Participants: []domain.User{}}); err != nil {
		logger.Error().Err(err).Uint16("port", port).Msg("registry rejected new relay")
		_ = ln.Close()
		s.opts.Metrics.SessionsHosted.WithLabelValues("duplicate_port").Inc()
		return spawnResult{err: err}
	}

	inst := newInstance(ln, user, uuid.NewString(), s.registry, s.opts, s.release)
	// Counted before start: release may run as soon as the instance is live.
	s.opts.Metrics.SessionsActive.Inc()
	s.mu.Lock()
	s.instances[port] = inst
	s.mu.Unlock()
	inst.start()

	s.opts.Metrics.SessionsHosted.WithLabelValues("ok").Inc()
	logger.Info().Uint16("port", port).Msg("relay started")
	return spawnResult{session: HostedSession{Port: port, Username: user.Name, HostToken: inst.hostToken}}
}

// reap tears down a relay whose hosting request gave up waiting.
func (s *Spawner) reap(result <-chan spawnResult) {
	res := <-result
	if res.err != nil {
		return
	}
	if inst, ok := s.Instance(res.session.Port); ok {
		inst.Terminate("hosting request abandoned")
	}
}

// release is every instance's termination hook.
func (s *Spawner) release(port uint16) {
	s.registry.Remove(port)
	s.mu.Lock()
	_, ok := s.instances[port]
	delete(s.instances, port)
	s.mu.Unlock()
	if ok {
		s.opts.Metrics.SessionsActive.Dec()
	}
}

func (s *Spawner) Instance(port uint16) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[port]
	return inst, ok
}

// Shutdown terminates every relay and waits for their pumps until ctx ends.
func (s *Spawner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	insts := lo.Values(s.instances)
	s.mu.Unlock()

	for _, inst := range insts {
		inst.Terminate("server shutdown")
	}
	for _, inst := range insts {
		select {
		case <-inst.Done():
		case <-ctx.Done():
			return fmt.Errorf("relay %d shutdown: %w", inst.Port(), ctx.Err())
		}
	}
	return nil
}
