package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionClosed indicates that the session was garbage collected.
	ErrSessionClosed = errors.New("collab: session closed")
	// ErrDocumentMismatch indicates an operation targeting a different document.
	ErrDocumentMismatch = errors.New("collab: operation targets another document")
)

// DocumentSession owns the authoritative total order of operations for
// one document while at least one participant is subscribed. Sequence
// numbers start at zero on session creation and increase by one per
// accepted operation; rejected operations never consume a number.
type DocumentSession struct {
	mu           sync.Mutex
	documentID   DocumentID
	content      string
	sequence     uint64
	participants map[string]DisplayName
	closed       bool
	idleSince    time.Time
	clock        func() time.Time
}

// NewDocumentSession constructs a session seeded with initial content.
func NewDocumentSession(documentID DocumentID, initialContent string, clock func() time.Time) *DocumentSession {
	if clock == nil {
		clock = time.Now
	}
	return &DocumentSession{
		documentID:   documentID,
		content:      initialContent,
		participants: make(map[string]DisplayName),
		clock:        clock,
	}
}

// DocumentID returns the document this session sequences.
func (session *DocumentSession) DocumentID() DocumentID {
	return session.documentID
}

// Content returns the authoritative buffer.
func (session *DocumentSession) Content() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.content
}

// Sequence returns the last assigned sequence number.
func (session *DocumentSession) Sequence() uint64 {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.sequence
}

// Join registers a participant and returns the current buffer so late
// joiners can catch up before processing live operations.
func (session *DocumentSession) Join(userID UserID, displayName DisplayName) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed {
		return "", ErrSessionClosed
	}
	session.participants[userID.String()] = displayName
	session.idleSince = time.Time{}
	return session.content, nil
}

// Leave removes a participant. When the last participant leaves the
// session starts its idle grace period instead of closing immediately,
// so brief reconnects find their session intact.
func (session *DocumentSession) Leave(userID UserID) int {
	session.mu.Lock()
	defer session.mu.Unlock()
	delete(session.participants, userID.String())
	remaining := len(session.participants)
	if remaining == 0 {
		session.idleSince = session.clock()
	}
	return remaining
}

// Participants returns the current participant count.
func (session *DocumentSession) Participants() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	return len(session.participants)
}

// Accept assigns the next sequence number to the operation and applies
// it to the authoritative buffer. Whole-document replaces always apply,
// regardless of the length the sender observed; anything else must fit
// the buffer or the operation is rejected unsequenced.
func (session *DocumentSession) Accept(op Operation) (Operation, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed {
		return Operation{}, ErrSessionClosed
	}
	if op.DocumentID != session.documentID.String() {
		return Operation{}, fmt.Errorf("%w: got %q, session %q", ErrDocumentMismatch, op.DocumentID, session.documentID)
	}

	if op.IsWholeDocument(session.content) {
		session.content = op.Content
	} else {
		next, err := Apply(session.content, op)
		if err != nil {
			return Operation{}, err
		}
		session.content = next
	}

	session.sequence++
	op.Sequence = session.sequence
	return op, nil
}

// CompareBrokerOrder totally orders two operations for deployments that
// have no sequencer: first by origin timestamp, then lexicographically
// by user id. This is a weaker guarantee than sequencing; skewed clocks
// can order concurrent operations differently than real time did.
func CompareBrokerOrder(a, b Operation) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.UserID < b.UserID:
		return -1
	case a.UserID > b.UserID:
		return 1
	default:
		return 0
	}
}

// SessionRegistry tracks live document sessions. Sessions are created on
// first subscribe and collected by SweepIdle once the last subscriber
// has been gone longer than the grace period.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*DocumentSession
	clock    func() time.Time
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(clock func() time.Time) *SessionRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &SessionRegistry{
		sessions: make(map[string]*DocumentSession),
		clock:    clock,
	}
}

// GetOrCreate returns the session for a document, creating it seeded
// with initialContent when no session exists yet.
func (registry *SessionRegistry) GetOrCreate(documentID DocumentID, initialContent string) *DocumentSession {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if session, ok := registry.sessions[documentID.String()]; ok {
		return session
	}
	session := NewDocumentSession(documentID, initialContent, registry.clock)
	registry.sessions[documentID.String()] = session
	return session
}

// Lookup returns the live session for a document, if any.
func (registry *SessionRegistry) Lookup(documentID DocumentID) (*DocumentSession, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	session, ok := registry.sessions[documentID.String()]
	return session, ok
}

// SweepIdle closes and removes sessions whose last participant left more
// than grace ago, returning the ids of collected documents. The caller
// schedules sweeps; the registry never runs its own timer.
func (registry *SessionRegistry) SweepIdle(grace time.Duration) []DocumentID {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	cutoff := registry.clock().Add(-grace)
	var collected []DocumentID
	for key, session := range registry.sessions {
		session.mu.Lock()
		idle := len(session.participants) == 0 && !session.idleSince.IsZero() && session.idleSince.Before(cutoff)
		if idle {
			session.closed = true
		}
		session.mu.Unlock()
		if idle {
			delete(registry.sessions, key)
			collected = append(collected, session.documentID)
		}
	}
	return collected
}
