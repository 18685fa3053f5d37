package connection

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orderker/orderker-verify/internal/credentials"
	"github.com/orderker/orderker-verify/internal/logging"
	"github.com/orderker/orderker-verify/internal/verification"
	"github.com/orderker/orderker-verify/internal/wachat"
)

// spyHandler records dispatched verification messages.
type spyHandler struct {
	mu   sync.Mutex
	msgs []wachat.MessageEvent
}

func (h *spyHandler) Handle(_ context.Context, _ verification.Conversation, msg wachat.MessageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *spyHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, dialer wachat.Dialer, store credentials.Store, handler MessageHandler) *Manager {
	t.Helper()
	if store == nil {
		store = credentials.NewMemoryStore()
	}
	m := NewManager(Config{
		Dialer:         dialer,
		Credentials:    store,
		SessionID:      "default",
		Handler:        handler,
		Logger:         logging.Discard(),
		ReconnectDelay: 5 * time.Millisecond,
	})
	t.Cleanup(m.Stop)
	return m
}

func TestPairingFlow(t *testing.T) {
	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())

	sess.Emit(wachat.QREvent{Code: "pair-me"})
	waitFor(t, "waiting_qr", func() bool { return m.Status().State == StateWaitingQR })

	artifact := m.PairingArtifact()
	if artifact == nil {
		t.Fatal("expected pairing artifact")
	}
	if !strings.HasPrefix(artifact.QR, "data:image/png;base64,") {
		t.Fatalf("qr not rendered as data url: %.40q", artifact.QR)
	}
	if artifact.ExpiresIn <= 0 {
		t.Fatalf("artifact must advertise expiry: %+v", artifact)
	}

	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	if m.PairingArtifact() != nil {
		t.Fatal("qr must be discarded once connected")
	}
	status := m.Status()
	if status.QRAvailable || status.ReconnectAttempts != 0 || status.LastError != "" {
		t.Fatalf("unexpected status after connect: %+v", status)
	}
}

func TestLinkLossReconnects(t *testing.T) {
	first := wachat.NewFakeSession()
	second := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(first, second)
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	first.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	first.Disconnect(wachat.ReasonLinkLost)
	waitFor(t, "redial", func() bool { return dialer.DialCount() >= 2 })
	if got := m.Status().ReconnectAttempts; got != 1 {
		t.Fatalf("expected one reconnect attempt, got %d", got)
	}

	second.Emit(wachat.ConnectedEvent{})
	waitFor(t, "reconnected", func() bool { return m.Status().State == StateConnected })
	if got := m.Status().ReconnectAttempts; got != 0 {
		t.Fatalf("reconnect counter must reset on connect, got %d", got)
	}
}

func TestQRTimeoutStopsAfterLimit(t *testing.T) {
	dialer := wachat.NewFakeDialer()
	for i := 0; i < maxQRTimeouts; i++ {
		s := wachat.NewFakeSession()
		s.Disconnect(wachat.ReasonQRTimeout)
		dialer.Enqueue(s)
	}
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	waitFor(t, "stopped", func() bool { return m.Status().State == StateStopped })

	status := m.Status()
	if status.QRTimeoutCount != maxQRTimeouts {
		t.Fatalf("unexpected qr timeout count: %d", status.QRTimeoutCount)
	}
	if !strings.Contains(status.LastError, "restart to retry") {
		t.Fatalf("unexpected last error: %q", status.LastError)
	}
}

func TestConflictStopsAfterLimit(t *testing.T) {
	dialer := wachat.NewFakeDialer()
	for i := 0; i < maxConflicts; i++ {
		s := wachat.NewFakeSession()
		s.Disconnect(wachat.ReasonConflict)
		dialer.Enqueue(s)
	}
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	waitFor(t, "stopped", func() bool { return m.Status().State == StateStopped })

	if !strings.Contains(m.Status().LastError, "paired elsewhere") {
		t.Fatalf("unexpected last error: %q", m.Status().LastError)
	}
}

func TestLoggedOutWipesCredentials(t *testing.T) {
	store := credentials.NewMemoryStore()
	ctx := context.Background()
	if err := store.Write(ctx, "default", "auth", "creds", []byte("stale")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, store, nil)

	m.Start(context.Background())
	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	sess.Disconnect(wachat.ReasonLoggedOut)
	waitFor(t, "credentials cleared", func() bool {
		payload, err := store.Read(ctx, "default", "auth", "creds")
		return err == nil && payload == nil
	})
}

func TestCredentialWriteThrough(t *testing.T) {
	store := credentials.NewMemoryStore()
	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, store, nil)
	ctx := context.Background()

	m.Start(context.Background())
	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	sess.Emit(wachat.CredentialUpdateEvent{Category: "pre-key", Key: "7", Payload: []byte{0x00, 0xff}})
	waitFor(t, "credential persisted", func() bool {
		payload, err := store.Read(ctx, "default", "pre-key", "7")
		return err == nil && len(payload) == 2
	})

	// A nil payload deletes the entry.
	sess.Emit(wachat.CredentialUpdateEvent{Category: "pre-key", Key: "7"})
	waitFor(t, "credential deleted", func() bool {
		payload, err := store.Read(ctx, "default", "pre-key", "7")
		return err == nil && payload == nil
	})
}

func TestMessageDispatch(t *testing.T) {
	handler := &spyHandler{}
	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, nil, handler)

	m.Start(context.Background())
	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	sender := wachat.NewPhoneJID("923001234567")
	sess.Emit(wachat.MessageEvent{Sender: sender, Text: "hello there"})
	sess.Emit(wachat.MessageEvent{Sender: sender, Text: "VERIFY:123456"})

	waitFor(t, "verification dispatched", func() bool { return handler.count() == 1 })

	// Give the non-matching message a chance to leak through.
	time.Sleep(20 * time.Millisecond)
	if handler.count() != 1 {
		t.Fatalf("chatter must not be dispatched, got %d messages", handler.count())
	}
}

func TestRestartLeavesStoppedState(t *testing.T) {
	dialer := wachat.NewFakeDialer()
	for i := 0; i < maxQRTimeouts; i++ {
		s := wachat.NewFakeSession()
		s.Disconnect(wachat.ReasonQRTimeout)
		dialer.Enqueue(s)
	}
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	waitFor(t, "stopped", func() bool { return m.Status().State == StateStopped })

	fresh := wachat.NewFakeSession()
	dialer.Enqueue(fresh)
	m.Restart()

	fresh.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected after restart", func() bool { return m.Status().State == StateConnected })

	status := m.Status()
	if status.QRTimeoutCount != 0 || status.ReconnectAttempts != 0 || status.LastError != "" {
		t.Fatalf("restart must reset counters: %+v", status)
	}
}

func TestRestartAfterStop(t *testing.T) {
	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	m.Stop()
	if m.Status().State != StateStopped {
		t.Fatalf("expected stopped, got %s", m.Status().State)
	}

	fresh := wachat.NewFakeSession()
	dialer.Enqueue(fresh)
	m.Restart()
	waitFor(t, "redial after stop", func() bool { return dialer.DialCount() >= 2 })

	fresh.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected after stop+restart", func() bool { return m.Status().State == StateConnected })
}

func TestStopIsTerminal(t *testing.T) {
	sess := wachat.NewFakeSession()
	dialer := wachat.NewFakeDialer(sess)
	m := newTestManager(t, dialer, nil, nil)

	m.Start(context.Background())
	sess.Emit(wachat.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return m.Status().State == StateConnected })

	m.Stop()
	if m.Status().State != StateStopped {
		t.Fatalf("expected stopped, got %s", m.Status().State)
	}

	// The closed session's disconnect must not trigger a redial.
	time.Sleep(30 * time.Millisecond)
	if got := dialer.DialCount(); got != 1 {
		t.Fatalf("expected no redial after stop, got %d dials", got)
	}
}
