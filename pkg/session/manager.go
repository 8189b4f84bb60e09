// Package session owns the single authenticated MT5 WebAPI session: the
// two-step challenge-response handshake, expiry tracking, single-flight
// serialization of concurrent authentication attempts, and the background
// keep-alive probe.
package session

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/auth"
	"github.com/tradebridge/mt5-gateway/pkg/logging"
	"github.com/tradebridge/mt5-gateway/pkg/transport"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Prometheus metrics for session lifecycle.
var (
	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_handshakes_total",
		Help: "Total MT5 authentication handshakes by result",
	}, []string{"result"})

	keepAliveProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_keepalive_probes_total",
		Help: "Total keep-alive probes by result",
	}, []string{"result"})

	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_session_invalidations_total",
		Help: "Total session invalidations by reason",
	}, []string{"reason"})

	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5_session_state",
		Help: "Current session state (1 for the active state, 0 otherwise)",
	}, []string{"state"})
)

// State is the session's authentication state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateInvalid         State = "invalid"
)

// Credentials identify the gateway to the MT5 server. Set once at startup,
// never mutated.
type Credentials struct {
	Login    string
	Password string
	Agent    string
	Version  int
}

// Config holds session manager tunables.
type Config struct {
	Credentials Credentials

	// TTL is how long an authenticated session is trusted (default 300s).
	TTL time.Duration

	// KeepAliveInterval is the background probe period (default 20s).
	KeepAliveInterval time.Duration

	// ProbeEndpoint is the lightweight authenticated call used by the
	// keep-alive loop (default "time/server").
	ProbeEndpoint string

	// HandshakeTimeout bounds each handshake and probe (default 30s).
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 20 * time.Second
	}
	if c.ProbeEndpoint == "" {
		c.ProbeEndpoint = "time/server"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

// Session is an immutable snapshot of the session state handed to callers.
// Callers never mutate session state directly.
type Session struct {
	State         State
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastKeepAlive time.Time
}

// Valid reports whether the snapshot was authenticated and unexpired when
// taken.
func (s Session) Valid() bool {
	return s.State == StateAuthenticated && time.Now().Before(s.ExpiresAt)
}

type outcome struct {
	sess Session
	err  error
}

// Manager drives the session lifecycle. The zero value is not usable; use
// NewManager.
type Manager struct {
	tc     *transport.Client
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	createdAt     time.Time
	expiresAt     time.Time
	lastKeepAlive time.Time
	waiters       []chan outcome

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager creates a session manager over the given transport.
func NewManager(tc *transport.Client, cfg Config) (*Manager, error) {
	if tc == nil {
		return nil, fmt.Errorf("transport client is required")
	}
	if cfg.Credentials.Login == "" || cfg.Credentials.Password == "" {
		return nil, fmt.Errorf("credentials are required")
	}
	cfg.applyDefaults()

	m := &Manager{
		tc:     tc,
		cfg:    cfg,
		logger: logging.NewLogger("session"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.setStateLocked(StateUnauthenticated)
	return m, nil
}

// setStateLocked records a state transition and keeps the state gauge in
// step. The manager mutex must be held (or the manager not yet shared).
func (m *Manager) setStateLocked(s State) {
	m.state = s
	for _, candidate := range []State{StateUnauthenticated, StateAuthenticating, StateAuthenticated, StateInvalid} {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		stateGauge.WithLabelValues(string(candidate)).Set(v)
	}
}

// Current returns a snapshot of the session without triggering I/O.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	return Session{
		State:         m.state,
		CreatedAt:     m.createdAt,
		ExpiresAt:     m.expiresAt,
		LastKeepAlive: m.lastKeepAlive,
	}
}

// Acquire returns a session guaranteed authenticated and unexpired at the
// moment of return, performing the handshake if needed. If a handshake is
// already in flight the caller waits for its outcome instead of starting a
// second one.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.state == StateAuthenticated && time.Now().Before(m.expiresAt) {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return s, nil
	}
	if m.state == StateAuthenticating {
		return m.waitLocked(ctx)
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	return m.runHandshake()
}

// ForceRefresh unconditionally discards the current session and performs a
// new handshake, collapsing into an in-flight one if present.
func (m *Manager) ForceRefresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.state == StateAuthenticating {
		return m.waitLocked(ctx)
	}
	invalidationsTotal.WithLabelValues("force_refresh").Inc()
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	return m.runHandshake()
}

// Invalidate marks the session invalid so the next Acquire re-authenticates.
// It never triggers re-authentication itself. A handshake already in flight
// is left to resolve on its own.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticating {
		return
	}
	if m.state != StateInvalid {
		m.logger.Warn().Str("reason", reason).Msg("Session invalidated")
		invalidationsTotal.WithLabelValues(reason).Inc()
	}
	m.setStateLocked(StateInvalid)
}

// waitLocked subscribes the caller to the in-flight handshake's outcome.
// The manager mutex must be held; it is released before waiting.
func (m *Manager) waitLocked(ctx context.Context) (Session, error) {
	ch := make(chan outcome, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return Session{}, webapi.UpstreamUnavailable("auth", ctx.Err())
	case out := <-ch:
		return out.sess, out.err
	}
}

// runHandshake executes the handshake, publishes the outcome to all waiters,
// and returns it. The caller must have set state to Authenticating.
//
// The handshake runs under its own deadline rather than the initiating
// caller's context so every waiter observes the same outcome regardless of
// which caller started it.
func (m *Manager) runHandshake() (Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	err := m.handshake(ctx)

	m.mu.Lock()
	now := time.Now()
	if err != nil {
		m.setStateLocked(StateInvalid)
		handshakesTotal.WithLabelValues("failure").Inc()
	} else {
		m.setStateLocked(StateAuthenticated)
		m.createdAt = now
		m.expiresAt = now.Add(m.cfg.TTL)
		m.lastKeepAlive = now
		handshakesTotal.WithLabelValues("success").Inc()
	}
	s := m.snapshotLocked()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w <- outcome{sess: s, err: err}
	}

	if err != nil {
		m.logger.Error().Err(err).Msg("Handshake failed")
		return s, err
	}
	m.logger.Info().Time("expires_at", s.ExpiresAt).Msg("Handshake complete")
	return s, nil
}

// handshake performs the two-step challenge-response exchange.
func (m *Manager) handshake(ctx context.Context) error {
	creds := m.cfg.Credentials

	startParams := url.Values{
		"version": {strconv.Itoa(creds.Version)},
		"agent":   {creds.Agent},
		"login":   {creds.Login},
		"type":    {"manager"},
	}
	reply, err := m.tc.Get(ctx, "auth/start", startParams)
	if err != nil {
		return err
	}
	srvRand, ok := reply.String("srv_rand")
	if !ok || srvRand == "" {
		return webapi.ProtocolViolation("auth/start reply missing srv_rand")
	}

	answer, err := auth.ComputeAnswer(creds.Password, srvRand)
	if err != nil {
		return err
	}
	nonce, err := auth.NewClientNonce()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	reply, err = m.tc.Get(ctx, "auth/answer", url.Values{
		"srv_rand_answer": {answer},
		"cli_rand":        {nonce},
	})
	if err != nil {
		return err
	}
	rc, ok := reply.Retcode()
	if !ok {
		return webapi.ProtocolViolation("auth/answer reply missing retcode")
	}
	if !rc.OK() {
		return webapi.AuthRejected(rc)
	}

	// Mutual authentication: the server proves it knows the secret too.
	// The original service treats a mismatch as a warning, not a failure.
	if cra, ok := reply.String("cli_rand_answer"); ok {
		if !auth.ValidateServerAuth(creds.Password, nonce, cra) {
			m.logger.Warn().Msg("Server authentication validation failed")
		}
	}

	return nil
}

// Start launches the background keep-alive loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.keepAliveLoop()
	})
}

// Close stops the keep-alive loop and waits for it to exit.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

// keepAliveLoop probes the upstream on a fixed interval while a session is
// authenticated. A failed probe invalidates the session; re-authentication
// is deferred to the next demand-driven Acquire so a flapping upstream
// cannot cause background retry storms.
func (m *Manager) keepAliveLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	m.mu.Lock()
	live := m.state == StateAuthenticated && time.Now().Before(m.expiresAt)
	generation := m.createdAt
	m.mu.Unlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	reply, err := m.tc.Get(ctx, m.cfg.ProbeEndpoint, nil)
	if err == nil {
		if rc, ok := reply.Retcode(); ok && !rc.OK() {
			err = &webapi.Error{Kind: webapi.ErrorKindUpstreamUnavailable, Resource: m.cfg.ProbeEndpoint, Retcode: rc}
		}
	}
	if err != nil {
		keepAliveProbesTotal.WithLabelValues("failure").Inc()
		m.logger.Warn().Err(err).Msg("Keep-alive probe failed")
		m.invalidateGeneration(generation, "keepalive_failed")
		return
	}

	keepAliveProbesTotal.WithLabelValues("success").Inc()
	m.mu.Lock()
	if m.createdAt.Equal(generation) {
		m.lastKeepAlive = time.Now()
	}
	m.mu.Unlock()
	m.logger.Debug().Msg("Keep-alive probe succeeded")
}

// invalidateGeneration invalidates the session only if it is still the one
// the probe observed. A handshake that completed while the probe's request
// was in flight replaced the session, and the stale result carries the old
// session cookie; it says nothing about the fresh session.
func (m *Manager) invalidateGeneration(createdAt time.Time, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticating {
		return
	}
	if !m.createdAt.Equal(createdAt) {
		m.logger.Debug().Str("reason", reason).Msg("Session replaced since probe started, skipping invalidation")
		return
	}
	if m.state != StateInvalid {
		m.logger.Warn().Str("reason", reason).Msg("Session invalidated")
		invalidationsTotal.WithLabelValues(reason).Inc()
	}
	m.setStateLocked(StateInvalid)
}
