package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/orderker/orderker-verify/internal/credentials"
	"github.com/orderker/orderker-verify/internal/verification"
	"github.com/orderker/orderker-verify/internal/wachat"
)

// State is the connection lifecycle state of the single protocol
// session this process owns.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateWaitingQR    State = "waiting_qr"
	StateConnected    State = "connected"
	// StateStopped is terminal by policy: only Restart leaves it.
	StateStopped State = "stopped"
)

const (
	defaultBaseDelay   = 5 * time.Second
	maxReconnectDelay  = 30 * time.Second
	maxQRTimeouts      = 5
	maxConflicts       = 3
	conflictResetAfter = 5 * time.Minute
	qrExpirySeconds    = 20
)

// Status is the operator-facing snapshot of the connection. It is
// rebuilt in memory on every restart, never persisted.
type Status struct {
	State             State  `json:"state"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	QRTimeoutCount    int    `json:"qr_timeout_count"`
	LastError         string `json:"last_error"`
	QRAvailable       bool   `json:"qr_available"`
}

// PairingArtifact is the current QR pairing code rendered for remote
// display.
type PairingArtifact struct {
	QR          string    `json:"qr"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresIn   int       `json:"expires_in"`
}

// MessageHandler consumes inbound verification messages dispatched by
// the manager.
type MessageHandler interface {
	Handle(ctx context.Context, conv verification.Conversation, msg wachat.MessageEvent)
}

// Manager owns the process's single protocol session: it dials, runs
// the connection state machine, persists credential mutations
// write-through, publishes pairing QRs and dispatches verification
// messages. All session secrets live in the injected credential store,
// so a process restart resumes the session without re-pairing.
type Manager struct {
	dialer    wachat.Dialer
	creds     credentials.Store
	sessionID string
	handler   MessageHandler
	logger    *slog.Logger
	baseDelay time.Duration

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             State
	sess              wachat.Session
	gen               int
	qr                string
	qrGeneratedAt     time.Time
	connectedAt       time.Time
	reconnectAttempts int
	qrTimeoutCount    int
	conflictCount     int
	lastError         string
	reconnectTimer    *time.Timer
	stableTimer       *time.Timer
	stopped           bool
}

// Config carries manager construction options.
type Config struct {
	Dialer         wachat.Dialer
	Credentials    credentials.Store
	SessionID      string
	Handler        MessageHandler
	Logger         *slog.Logger
	ReconnectDelay time.Duration
}

// NewManager builds a stopped manager; Start brings the session up.
func NewManager(cfg Config) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	return &Manager{
		dialer:    cfg.Dialer,
		creds:     cfg.Credentials,
		sessionID: sessionID,
		handler:   cfg.Handler,
		logger:    cfg.Logger,
		baseDelay: delay,
		state:     StateDisconnected,
	}
}

// Start begins connecting. The provided context bounds the manager's
// lifetime; cancelling it is equivalent to Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.parent = ctx
	m.ctx, m.cancel = context.WithCancel(ctx)
	gen := m.gen
	m.mu.Unlock()
	go m.connect(gen)
}

// Stop tears the session down and enters the stopped state.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.cancelTimersLocked()
	sess := m.sess
	m.sess = nil
	m.state = StateStopped
	m.qr = ""
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	m.logger.Info("connection manager stopped")
}

// Restart forces a fresh connection from any state, superseding any
// pending delayed reconnect and force-closing the current session.
func (m *Manager) Restart() {
	m.mu.Lock()
	m.stopped = false
	m.gen++
	gen := m.gen
	m.cancelTimersLocked()
	sess := m.sess
	m.sess = nil
	m.state = StateDisconnected
	m.qr = ""
	m.connectedAt = time.Time{}
	m.reconnectAttempts = 0
	m.qrTimeoutCount = 0
	m.conflictCount = 0
	m.lastError = ""

	// Stop cancels the lifetime context, so restarting after an explicit
	// stop needs a fresh one derived from the original Start parent.
	if m.ctx == nil || m.ctx.Err() != nil {
		parent := m.parent
		if parent == nil {
			parent = context.Background()
		}
		m.ctx, m.cancel = context.WithCancel(parent)
	}
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	m.logger.Info("restart requested")
	go m.connect(gen)
}

// Status returns the current operator-facing snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uptime int64
	if m.state == StateConnected && !m.connectedAt.IsZero() {
		uptime = int64(time.Since(m.connectedAt).Seconds())
	}
	return Status{
		State:             m.state,
		UptimeSeconds:     uptime,
		ReconnectAttempts: m.reconnectAttempts,
		QRTimeoutCount:    m.qrTimeoutCount,
		LastError:         m.lastError,
		QRAvailable:       m.qr != "",
	}
}

// PairingArtifact returns the current QR, or nil when none is pending
// (already connected, stopped, or not yet issued).
func (m *Manager) PairingArtifact() *PairingArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.qr == "" {
		return nil
	}
	return &PairingArtifact{QR: m.qr, GeneratedAt: m.qrGeneratedAt, ExpiresIn: qrExpirySeconds}
}

func (m *Manager) connect(gen int) {
	m.mu.Lock()
	if m.stopped || gen != m.gen || m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.qr = ""
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Info("connecting", "session_id", m.sessionID)

	sess, err := m.dialer.Dial(ctx, credentials.ForSession(m.creds, m.sessionID))
	if err != nil {
		m.logger.Error("dial failed", "error", err)
		m.handleDisconnect(gen, wachat.ReasonLinkLost, fmt.Sprintf("dial failed: %v", err))
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		_ = sess.Close()
		return
	}
	m.sess = sess
	m.mu.Unlock()

	go m.eventLoop(gen, sess)
}

// eventLoop consumes the session's sequential event stream until it
// closes. Verification messages are handled on their own goroutines so
// a slow directory lookup never blocks the loop.
func (m *Manager) eventLoop(gen int, sess wachat.Session) {
	for ev := range sess.Events() {
		switch ev := ev.(type) {
		case wachat.QREvent:
			m.onQR(gen, ev.Code)
		case wachat.ConnectedEvent:
			m.onConnected(gen)
		case wachat.CredentialUpdateEvent:
			m.persistCredential(ev)
		case wachat.MessageEvent:
			m.dispatchMessage(sess, ev)
		case wachat.DisconnectedEvent:
			m.handleDisconnect(gen, ev.Reason, fmt.Sprintf("connection closed (%s)", ev.Reason))
			return
		}
	}
}

func (m *Manager) onQR(gen int, code string) {
	encoded, err := encodeQR(code)
	if err != nil {
		m.logger.Error("encode pairing qr", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state = StateWaitingQR
	m.qr = encoded
	m.qrGeneratedAt = time.Now().UTC()
	m.logger.Info("pairing qr issued")
}

func (m *Manager) onConnected(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state = StateConnected
	m.connectedAt = time.Now().UTC()
	m.qr = ""
	m.qrTimeoutCount = 0
	m.reconnectAttempts = 0
	m.lastError = ""

	// The conflict counter only resets after the link stays up for a
	// while; flapping sessions must still hit the stop threshold.
	if m.stableTimer != nil {
		m.stableTimer.Stop()
	}
	m.stableTimer = time.AfterFunc(conflictResetAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen == m.gen && m.state == StateConnected {
			m.conflictCount = 0
		}
	})

	m.logger.Info("connected", "session_id", m.sessionID)
}

// persistCredential writes a credential mutation through to the store
// immediately, so the store always holds the latest usable session.
func (m *Manager) persistCredential(ev wachat.CredentialUpdateEvent) {
	ctx, cancel := context.WithTimeout(m.lifeCtx(), 5*time.Second)
	defer cancel()

	var err error
	if ev.Payload == nil {
		err = m.creds.Delete(ctx, m.sessionID, ev.Category, ev.Key)
	} else {
		err = m.creds.Write(ctx, m.sessionID, ev.Category, ev.Key, ev.Payload)
	}
	if err != nil {
		m.logger.Error("persist credential",
			"category", ev.Category, "key", ev.Key, "error", err)
	}
}

func (m *Manager) dispatchMessage(sess wachat.Session, ev wachat.MessageEvent) {
	if m.handler == nil || !verification.Matches(ev.Text) {
		return
	}
	go m.handler.Handle(m.lifeCtx(), sess, ev)
}

// lifeCtx returns the manager's lifetime context for background work.
func (m *Manager) lifeCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) handleDisconnect(gen int, reason wachat.DisconnectReason, detail string) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.sess = nil
	m.qr = ""
	m.connectedAt = time.Time{}
	m.lastError = detail
	if m.stableTimer != nil {
		m.stableTimer.Stop()
		m.stableTimer = nil
	}

	m.logger.Warn("disconnected", "reason", string(reason))

	switch reason {
	case wachat.ReasonLoggedOut:
		// Stale credentials would make every reconnect fail pairing;
		// wipe them and pair fresh.
		m.qrTimeoutCount = 0
		m.reconnectAttempts = 0
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.creds.Clear(ctx, m.sessionID); err != nil {
			m.logger.Error("clear session credentials", "error", err)
		}
		m.logger.Info("logged out, restarting with fresh session")
		m.scheduleReconnect(gen, m.baseDelay)
		return

	case wachat.ReasonQRTimeout:
		m.qrTimeoutCount++
		if m.qrTimeoutCount >= maxQRTimeouts {
			m.state = StateStopped
			m.lastError = fmt.Sprintf("stopped: qr not scanned after %d attempts, restart to retry", maxQRTimeouts)
			m.mu.Unlock()
			m.logger.Warn("max qr timeouts reached, stopping")
			return
		}
		delay := m.reconnectDelayLocked()
		m.mu.Unlock()
		m.scheduleReconnect(gen, delay)
		return

	case wachat.ReasonConflict:
		m.conflictCount++
		if m.conflictCount >= maxConflicts {
			m.state = StateStopped
			m.lastError = fmt.Sprintf("stopped: session conflict after %d retries, the session may be paired elsewhere", maxConflicts)
			m.mu.Unlock()
			m.logger.Warn("max session conflicts reached, stopping")
			return
		}
		delay := m.reconnectDelayLocked()
		m.mu.Unlock()
		m.scheduleReconnect(gen, delay)
		return

	default:
		m.reconnectAttempts++
		delay := m.reconnectDelayLocked()
		m.mu.Unlock()
		m.scheduleReconnect(gen, delay)
		return
	}
}

// reconnectDelayLocked computes the capped backoff for the next attempt.
func (m *Manager) reconnectDelayLocked() time.Duration {
	delay := m.baseDelay
	for i := 0; i < m.reconnectAttempts; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (m *Manager) scheduleReconnect(gen int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.stopped {
		return
	}
	m.logger.Info("reconnect scheduled", "delay", delay.String(), "attempt", m.reconnectAttempts)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.connect(gen)
	})
}

func (m *Manager) cancelTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stableTimer != nil {
		m.stableTimer.Stop()
		m.stableTimer = nil
	}
}

// encodeQR renders the pairing code as a base64 PNG data URL for the
// admin UI.
func encodeQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
