package wachat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// LoopbackDialer simulates the protocol client for local development,
// the way deployments without a card processor run against a simulated
// acquirer. Each Dial yields a session that immediately asks for
// pairing and answers directory lookups from an in-process table.
// Production wiring substitutes the real client library's Dialer.
type LoopbackDialer struct {
	logger *slog.Logger

	mu sync.Mutex
	// Directory maps normalized digits to phone identities, and phone
	// identities to LIDs, for local end-to-end runs.
	Directory map[string]JID
	LIDTable  map[string]JID
}

// NewLoopbackDialer builds the development dialer.
func NewLoopbackDialer(logger *slog.Logger) *LoopbackDialer {
	return &LoopbackDialer{
		logger:    logger,
		Directory: make(map[string]JID),
		LIDTable:  make(map[string]JID),
	}
}

// Dial returns a simulated session in the pairing state.
func (d *LoopbackDialer) Dial(_ context.Context, _ Credentials) (Session, error) {
	s := NewFakeSession()
	s.Phones = d.Directory
	s.LIDs = d.LIDTable
	s.Emit(QREvent{Code: "loopback-pairing-" + uuid.NewString()})
	d.logger.Info("loopback session dialed, waiting for pairing")
	return s, nil
}
