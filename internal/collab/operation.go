package collab

import (
	"errors"
	"fmt"
	"strings"
)

// OperationKind enumerates supported edit primitives.
type OperationKind string

const (
	// OperationKindInsert adds characters at a position.
	OperationKindInsert OperationKind = "insert"
	// OperationKindDelete removes a character range.
	OperationKindDelete OperationKind = "delete"
	// OperationKindReplace swaps a character range for new content.
	OperationKindReplace OperationKind = "replace"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidDisplayName indicates that a display name exceeds storage bounds.
	ErrInvalidDisplayName = errors.New("collab: invalid display name")
	// ErrInvalidOperation indicates that an operation fails structural validation.
	ErrInvalidOperation = errors.New("collab: invalid operation")
	// ErrUnknownOperationKind indicates an operation kind outside the supported set.
	ErrUnknownOperationKind = errors.New("collab: unknown operation kind")
	// ErrOutOfRange indicates an operation that does not fit the target buffer.
	ErrOutOfRange = errors.New("collab: operation out of range")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DisplayName represents a validated human-readable participant name.
type DisplayName string

// NewDisplayName validates raw input and returns a DisplayName.
// An empty name is allowed; callers fall back to the user identifier.
func NewDisplayName(rawInput string) (DisplayName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDisplayName, maxIdentifierLength)
	}
	return DisplayName(trimmed), nil
}

// String returns the underlying display name.
func (name DisplayName) String() string {
	return string(name)
}

// Operation describes a single atomic edit against a document buffer.
// Position indexes into the pre-operation content; Length is the number
// of characters removed (delete, replace) and Content the characters
// inserted (insert, replace).
type Operation struct {
	DocumentID  string        `json:"document_id"`
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"username"`
	Timestamp   int64         `json:"timestamp"`
	Kind        OperationKind `json:"kind"`
	Position    int           `json:"position"`
	Length      int           `json:"length,omitempty"`
	Content     string        `json:"content,omitempty"`
	Sequence    uint64        `json:"sequence,omitempty"`
}

// Validate checks structural invariants that hold independent of any buffer.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.DocumentID) == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidOperation)
	}
	if strings.TrimSpace(op.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidOperation)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidOperation)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidOperation)
	}
	switch op.Kind {
	case OperationKindInsert, OperationKindDelete, OperationKindReplace:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperationKind, string(op.Kind))
	}
}

// IsWholeDocument reports whether the operation is a replace that spans
// at least the provided buffer, which is the shape every locally
// originated edit and every reconnect baseline takes.
func (op Operation) IsWholeDocument(content string) bool {
	return op.Kind == OperationKindReplace && op.Position == 0 && op.Length >= len(content)
}

// Apply executes the operation against content and returns the new
// buffer. The input is never mutated; operations that do not fit the
// buffer fail with ErrOutOfRange.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	switch op.Kind {
	case OperationKindInsert:
		if op.Position > len(content) {
			return "", fmt.Errorf("%w: insert at %d, buffer length %d", ErrOutOfRange, op.Position, len(content))
		}
		return content[:op.Position] + op.Content + content[op.Position:], nil
	case OperationKindDelete:
		if op.Position+op.Length > len(content) {
			return "", fmt.Errorf("%w: delete [%d,%d), buffer length %d", ErrOutOfRange, op.Position, op.Position+op.Length, len(content))
		}
		return content[:op.Position] + content[op.Position+op.Length:], nil
	case OperationKindReplace:
		if op.Position+op.Length > len(content) {
			return "", fmt.Errorf("%w: replace [%d,%d), buffer length %d", ErrOutOfRange, op.Position, op.Position+op.Length, len(content))
		}
		return content[:op.Position] + op.Content + content[op.Position+op.Length:], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationKind, string(op.Kind))
	}
}

// CursorUpdate carries a participant's caret position. It never mutates
// document content.
type CursorUpdate struct {
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"username"`
	Position    int    `json:"position"`
	Timestamp   int64  `json:"timestamp"`
}

// Validate checks structural invariants of a cursor update.
func (update CursorUpdate) Validate() error {
	if strings.TrimSpace(update.DocumentID) == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidOperation)
	}
	if strings.TrimSpace(update.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidOperation)
	}
	if update.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidOperation)
	}
	return nil
}
