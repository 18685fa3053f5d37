package credentials

import "context"

// Store persists opaque protocol session secrets keyed by
// (session, category, key) so a process restart can resume the session
// without re-pairing. Payloads are raw bytes and must round-trip
// exactly; the store never interprets them.
type Store interface {
	// Read returns the payload for the key, or nil when absent.
	Read(ctx context.Context, sessionID, category, key string) ([]byte, error)

	// Write upserts the payload. Last write wins; each write reflects the
	// protocol layer's latest authoritative state.
	Write(ctx context.Context, sessionID, category, key string, payload []byte) error

	// Delete removes a single entry. Deleting an absent key is a no-op.
	Delete(ctx context.Context, sessionID, category, key string) error

	// List returns all entries of one category for a session.
	List(ctx context.Context, sessionID, category string) (map[string][]byte, error)

	// Clear removes every entry for the session. Used on forced logout,
	// where stale credentials would make every future pairing fail.
	Clear(ctx context.Context, sessionID string) error
}

// SessionView narrows a Store to a single session for handing to the
// protocol dialer.
type SessionView struct {
	store     Store
	sessionID string
}

// ForSession binds a store to one session id.
func ForSession(store Store, sessionID string) *SessionView {
	return &SessionView{store: store, sessionID: sessionID}
}

// Read fetches one entry of the bound session.
func (v *SessionView) Read(ctx context.Context, category, key string) ([]byte, error) {
	return v.store.Read(ctx, v.sessionID, category, key)
}

// List fetches one category of the bound session.
func (v *SessionView) List(ctx context.Context, category string) (map[string][]byte, error) {
	return v.store.List(ctx, v.sessionID, category)
}
