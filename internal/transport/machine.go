package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/api"
	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
)

// RequestSender routes outbound frames over the request/response path while
// the duplex channel is unavailable. Implemented by the API client.
type RequestSender interface {
	SendEvent(ctx context.Context, frame *protocol.ClientFrame) (*protocol.ServerEvent, error)
}

// SyncRunner drains fetch-since before the machine declares itself live.
// Implemented by the event sequencer.
type SyncRunner interface {
	RunSync(ctx context.Context) error
}

// Handler receives every inbound server event, in arrival order.
type Handler func(*protocol.ServerEvent)

// Config holds the machine's timer settings.
type Config struct {
	Heartbeat       time.Duration
	ActivityTimeout time.Duration
	ReconnectDelay  time.Duration
	// Online reports device connectivity; nil means always online.
	Online func() bool
}

// Machine owns the single authoritative connection path and hides its churn
// behind Connect/Disconnect/Send/Current plus the state-change event stream.
type Machine struct {
	cfg     Config
	dialer  Dialer
	request RequestSender
	bus     *bus.Bus
	logger  *zap.Logger

	mu           sync.Mutex
	state        State
	credential   string
	gen          int
	conn         DuplexConn
	push         PushStream
	handler      Handler
	syncRunner   SyncRunner
	reconnect    *time.Timer
	activity     *time.Timer
	backoff      *backoff.ExponentialBackOff
	authNotified bool
}

// NewMachine creates a machine in the disconnected state.
func NewMachine(cfg Config, dialer Dialer, request RequestSender, b *bus.Bus, logger *zap.Logger) *Machine {
	bo := backoff.NewExponentialBackOff()
	if cfg.ReconnectDelay > 0 {
		bo.InitialInterval = cfg.ReconnectDelay
	}
	bo.MaxElapsedTime = 0 // retry until told otherwise
	bo.Reset()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:     cfg,
		dialer:  dialer,
		request: request,
		bus:     b,
		logger:  logger,
		state:   Disconnected,
		backoff: bo,
	}
}

// SetHandler registers the inbound event handler. Must be called before Connect.
func (m *Machine) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetSyncRunner registers the gap-fill hook. Must be called before Connect.
func (m *Machine) SetSyncRunner(s SyncRunner) {
	m.mu.Lock()
	m.syncRunner = s
	m.mu.Unlock()
}

// Current returns the current connection state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the current credential; empty after an auth rejection or
// explicit disconnect.
func (m *Machine) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// Connect stores the credential and starts connecting if the device is
// online. While offline the machine stays disconnected and connects on the
// network-regained signal.
func (m *Machine) Connect(credential string) error {
	if credential == "" {
		return ErrNoCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
	m.authNotified = false
	if m.state != Disconnected {
		return nil
	}
	if !m.online() {
		m.logger.Info("connect deferred, device offline")
		return nil
	}
	m.startConnectLocked()
	return nil
}

// Disconnect tears down both channel kinds, cancels all timers and clears
// the credential so no automatic reconnection follows.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.credential = ""
	m.teardownLocked()
	if m.state != Disconnected {
		m.transitionLocked(Disconnected)
	}
	m.mu.Unlock()
}

// HandleOnlineChange reacts to the network monitor: regained connectivity
// while disconnected with a credential triggers a fresh connect.
func (m *Machine) HandleOnlineChange(online bool) {
	if !online {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disconnected && m.credential != "" {
		m.stopReconnectLocked()
		m.startConnectLocked()
	}
}

// Send routes one outbound frame: duplex while primary, request/response
// while only the push fallback is live. An ack returned synchronously by
// the request path is fed to the inbound handler like any other event.
func (m *Machine) Send(ctx context.Context, frame *protocol.ClientFrame) error {
	m.mu.Lock()
	state := m.state
	conn := m.conn
	handler := m.handler
	m.mu.Unlock()

	switch state {
	case Primary:
		data, err := protocol.EncodeClientFrame(frame)
		if err != nil {
			return err
		}
		return conn.Send(ctx, data)
	case PushFallback:
		ack, err := m.request.SendEvent(ctx, frame)
		if err != nil {
			if isAuthError(err) {
				m.authFail()
			}
			return err
		}
		if ack != nil && handler != nil {
			handler(ack)
		}
		return nil
	default:
		return ErrNotConnected
	}
}

// owns m.mu
func (m *Machine) startConnectLocked() {
	m.gen++
	g := m.gen
	cred := m.credential
	m.transitionLocked(Connecting)
	go m.runConnect(g, cred)
}

func (m *Machine) runConnect(g int, cred string) {
	conn, err := m.dialer.DialDuplex(context.Background(), cred)

	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		if isAuthError(err) {
			m.authFail()
			return
		}
		m.logger.Warn("duplex handshake failed, trying push fallback", zap.Error(err))
		m.openPush(g, cred)
		return
	}

	m.conn = conn
	m.transitionLocked(Syncing)
	m.mu.Unlock()

	m.runSync()

	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.transitionLocked(Primary)
	m.backoff.Reset()
	m.resetActivityLocked(g)
	go m.heartbeatLoop(g, conn)
	go m.duplexReadLoop(g, conn)
	m.mu.Unlock()
}

// openPush establishes the one-way fallback stream, re-syncs and flips to
// push_fallback. Called after the duplex channel is gone.
func (m *Machine) openPush(g int, cred string) {
	push, err := m.dialer.OpenPush(context.Background(), cred)

	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = push.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		if isAuthError(err) {
			m.authFail()
			return
		}
		m.logger.Warn("push fallback failed, backing off", zap.Error(err))
		m.scheduleReconnect()
		return
	}

	m.push = push
	m.transitionLocked(Syncing)
	m.mu.Unlock()

	m.runSync()

	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		_ = push.Close()
		return
	}
	m.transitionLocked(PushFallback)
	m.backoff.Reset()
	go m.pushReadLoop(g, push)
	m.mu.Unlock()
}

func (m *Machine) duplexReadLoop(g int, conn DuplexConn) {
	for {
		data, err := conn.Receive(context.Background())
		if err != nil {
			m.duplexDown(g, err)
			return
		}
		m.touchActivity(g)
		evt, derr := protocol.DecodeServerEvent(data)
		if derr != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(derr))
			continue
		}
		if evt.EventType == protocol.EvtHeartbeatAck {
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Machine) pushReadLoop(g int, push PushStream) {
	for {
		data, err := push.Receive(context.Background())
		if err != nil {
			m.pushDown(g, err)
			return
		}
		evt, derr := protocol.DecodeServerEvent(data)
		if derr != nil {
			m.logger.Warn("dropping malformed push event", zap.Error(derr))
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Machine) dispatch(evt *protocol.ServerEvent) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// duplexDown handles loss of the primary channel: auth rejection is
// terminal, anything else falls back to the push stream.
func (m *Machine) duplexDown(g int, err error) {
	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.stopActivityLocked()

	if isAuthError(err) {
		m.mu.Unlock()
		m.authFail()
		return
	}
	if m.credential == "" {
		m.mu.Unlock()
		return
	}
	m.gen++
	g2 := m.gen
	cred := m.credential
	m.logger.Warn("duplex channel lost, falling back", zap.Error(err))
	m.mu.Unlock()
	m.openPush(g2, cred)
}

func (m *Machine) pushDown(g int, err error) {
	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		return
	}
	if m.push != nil {
		_ = m.push.Close()
		m.push = nil
	}
	if isAuthError(err) {
		m.mu.Unlock()
		m.authFail()
		return
	}
	if m.credential == "" {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("push stream lost, backing off", zap.Error(err))
	m.mu.Unlock()
	m.scheduleReconnect()
}

// authFail is terminal: both channels torn down, credential cleared,
// auth-error raised exactly once. The server rejected identity, not the
// channel, so no fallback is attempted.
func (m *Machine) authFail() {
	m.mu.Lock()
	m.teardownLocked()
	m.credential = ""
	if m.state != Disconnected {
		m.transitionLocked(Disconnected)
	}
	notify := !m.authNotified
	m.authNotified = true
	m.mu.Unlock()

	if notify {
		m.logger.Error("authentication rejected, re-authentication required")
		if m.bus != nil {
			m.bus.Publish(bus.Event{Kind: bus.KindAuthError, Timestamp: time.Now()})
		}
	}
}

// scheduleReconnect drops to disconnected and arms a backoff timer rather
// than hot-looping against a down server.
func (m *Machine) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	if m.state != Disconnected {
		m.transitionLocked(Disconnected)
	}
	if m.credential == "" {
		return
	}
	delay := m.backoff.NextBackOff()
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == Disconnected && m.credential != "" && m.online() {
			m.startConnectLocked()
		}
	})
}

func (m *Machine) runSync() {
	m.mu.Lock()
	sr := m.syncRunner
	m.mu.Unlock()
	if sr == nil {
		return
	}
	// Sync failure is recoverable and surfaced by the sequencer; the
	// transport itself is healthy, so the state flips to live regardless.
	if err := sr.RunSync(context.Background()); err != nil {
		m.logger.Warn("gap-fill sync failed", zap.Error(err))
	}
}

func (m *Machine) heartbeatLoop(g int, conn DuplexConn) {
	interval := m.cfg.Heartbeat
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := g != m.gen || m.state != Primary
		m.mu.Unlock()
		if stale {
			return
		}
		data, _ := protocol.EncodeClientFrame(protocol.Heartbeat())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Send(ctx, data)
		cancel()
		if err != nil {
			// The read loop observes the close and drives the fallback.
			return
		}
	}
}

// resetActivityLocked (re)arms the silent-connection watchdog. If the
// server produces nothing within the window, the duplex channel is force
// closed, which the read loop turns into the fallback transition.
func (m *Machine) resetActivityLocked(g int) {
	timeout := m.cfg.ActivityTimeout
	if timeout <= 0 {
		timeout = 75 * time.Second
	}
	if m.activity != nil {
		m.activity.Stop()
	}
	m.activity = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		dead := g == m.gen && m.state == Primary && m.conn != nil
		conn := m.conn
		m.mu.Unlock()
		if dead {
			m.logger.Warn("activity timeout, force closing silent duplex channel")
			_ = conn.Close()
		}
	})
}

func (m *Machine) touchActivity(g int) {
	m.mu.Lock()
	if g == m.gen && m.state == Primary {
		m.resetActivityLocked(g)
	}
	m.mu.Unlock()
}

func (m *Machine) stopActivityLocked() {
	if m.activity != nil {
		m.activity.Stop()
		m.activity = nil
	}
}

func (m *Machine) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// teardownLocked invalidates all goroutines and timers of the current
// connection generation and closes both channel kinds.
func (m *Machine) teardownLocked() {
	m.gen++
	m.stopReconnectLocked()
	m.stopActivityLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.push != nil {
		_ = m.push.Close()
		m.push = nil
	}
}

func (m *Machine) transitionLocked(to State) {
	if err := checkTransition(m.state, to); err != nil {
		m.logger.Error("refusing state transition", zap.Error(err))
		return
	}
	from := m.state
	m.state = to
	m.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
}

func (m *Machine) online() bool {
	if m.cfg.Online == nil {
		return true
	}
	return m.cfg.Online()
}

func isAuthError(err error) bool {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == protocol.CloseCodeAuthFailure
	}
	return errors.Is(err, api.ErrAuthRejected)
}
