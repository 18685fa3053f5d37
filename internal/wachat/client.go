package wachat

import "context"

// DisconnectReason classifies why the protocol layer dropped the link.
// The manager decides between retrying, wiping credentials and stopping
// based on this value.
type DisconnectReason string

const (
	// ReasonLinkLost covers transient transport failures; safe to retry.
	ReasonLinkLost DisconnectReason = "link_lost"
	// ReasonQRTimeout means a pairing code expired before anyone scanned it.
	ReasonQRTimeout DisconnectReason = "qr_timeout"
	// ReasonConflict means another session replaced this one (stream conflict).
	ReasonConflict DisconnectReason = "conflict"
	// ReasonLoggedOut means the account unlinked this device; persisted
	// credentials are no longer usable.
	ReasonLoggedOut DisconnectReason = "logged_out"
)

// Event is the union of messages a Session delivers on its event stream.
type Event interface{ isEvent() }

// QREvent carries a fresh pairing code to display to the operator.
type QREvent struct {
	Code string
}

// ConnectedEvent signals the session is fully established.
type ConnectedEvent struct{}

// DisconnectedEvent signals the link dropped; the session is dead after
// delivering it.
type DisconnectedEvent struct {
	Reason DisconnectReason
}

// CredentialUpdateEvent reports that the protocol layer mutated a piece
// of session secret material. A nil Payload means the entry was removed.
type CredentialUpdateEvent struct {
	Category string
	Key      string
	Payload  []byte
}

// MessageEvent is an inbound chat message from a remote peer.
type MessageEvent struct {
	Sender JID
	Text   string
}

func (QREvent) isEvent()               {}
func (ConnectedEvent) isEvent()        {}
func (DisconnectedEvent) isEvent()     {}
func (CredentialUpdateEvent) isEvent() {}
func (MessageEvent) isEvent()          {}

// Session is one live protocol connection as exposed by the supplied
// client library. Exactly one session exists per paired device.
type Session interface {
	// Events returns the sequential inbound event stream. The channel is
	// closed after a DisconnectedEvent is delivered.
	Events() <-chan Event

	// SendText delivers a plain text message to the given peer.
	SendText(ctx context.Context, to JID, text string) error

	// LookupPhone resolves bare phone digits to the authoritative
	// phone-namespace identity, reporting whether an account exists.
	LookupPhone(ctx context.Context, digits string) (JID, bool, error)

	// ResolveLID resolves a phone-namespace identity to its anonymized
	// counterpart, returning a zero JID when none is known.
	ResolveLID(ctx context.Context, phoneJID JID) (JID, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Credentials is the read surface the protocol layer rehydrates a
// session from. An empty store triggers a fresh pairing (QR) flow.
type Credentials interface {
	Read(ctx context.Context, category, key string) ([]byte, error)
	List(ctx context.Context, category string) (map[string][]byte, error)
}

// Dialer establishes protocol sessions. Production wiring binds this to
// the external client library; tests script it.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}
