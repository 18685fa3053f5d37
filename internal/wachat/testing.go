package wachat

import (
	"context"
	"sync"
)

// SentMessage records one outbound text for assertions.
type SentMessage struct {
	To   JID
	Text string
}

// FakeSession is a scripted Session for tests. Events are pushed by the
// test via Emit; lookups are answered from the configured maps.
type FakeSession struct {
	mu     sync.Mutex
	events chan Event
	closed bool

	Sent []SentMessage

	// Phones maps normalized digits to the resolved phone identity.
	Phones map[string]JID
	// LIDs maps a phone identity (wire format) to its anonymized identity.
	LIDs map[string]JID

	// LookupErr / LIDErr, when set, fail the corresponding calls.
	LookupErr error
	LIDErr    error

	// Block, when non-nil, makes directory calls wait until the context
	// expires. Used to exercise timeout handling.
	Block chan struct{}
}

// NewFakeSession builds an idle fake session with an open event stream.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		events: make(chan Event, 16),
		Phones: make(map[string]JID),
		LIDs:   make(map[string]JID),
	}
}

// Emit pushes an event onto the session's stream.
func (s *FakeSession) Emit(ev Event) {
	s.events <- ev
}

// Disconnect emits a disconnect event and closes the stream, mirroring
// how a real session ends.
func (s *FakeSession) Disconnect(reason DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events <- DisconnectedEvent{Reason: reason}
	close(s.events)
}

func (s *FakeSession) Events() <-chan Event { return s.events }

func (s *FakeSession) SendText(_ context.Context, to JID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, SentMessage{To: to, Text: text})
	return nil
}

// LastSent returns the most recent outbound message, if any.
func (s *FakeSession) LastSent() (SentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Sent) == 0 {
		return SentMessage{}, false
	}
	return s.Sent[len(s.Sent)-1], true
}

func (s *FakeSession) LookupPhone(ctx context.Context, digits string) (JID, bool, error) {
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return JID{}, false, ctx.Err()
		}
	}
	if s.LookupErr != nil {
		return JID{}, false, s.LookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jid, ok := s.Phones[digits]
	return jid, ok, nil
}

func (s *FakeSession) ResolveLID(ctx context.Context, phoneJID JID) (JID, error) {
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return JID{}, ctx.Err()
		}
	}
	if s.LIDErr != nil {
		return JID{}, s.LIDErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LIDs[phoneJID.String()], nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// FakeDialer hands out sessions from a queue, one per Dial call.
type FakeDialer struct {
	mu       sync.Mutex
	queue    []*FakeSession
	dialed   int
	DialErr  error
	LastSeen Credentials
}

// NewFakeDialer queues the given sessions for successive Dial calls.
func NewFakeDialer(sessions ...*FakeSession) *FakeDialer {
	return &FakeDialer{queue: sessions}
}

// Enqueue appends another session for a future Dial.
func (d *FakeDialer) Enqueue(s *FakeSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, s)
}

// DialCount reports how many times Dial has been called.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func (d *FakeDialer) Dial(_ context.Context, creds Credentials) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	d.LastSeen = creds
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if len(d.queue) == 0 {
		s := NewFakeSession()
		return s, nil
	}
	s := d.queue[0]
	d.queue = d.queue[1:]
	return s, nil
}
