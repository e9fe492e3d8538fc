package collab

import (
	"encoding/json"
	"fmt"
)

const (
	editTopicPrefix   = "doc-edits:"
	cursorTopicPrefix = "doc-cursors:"
)

// EditTopic returns the pub/sub topic carrying operations for a document.
func EditTopic(documentID DocumentID) string {
	return editTopicPrefix + documentID.String()
}

// CursorTopic returns the pub/sub topic carrying cursor updates for a document.
func CursorTopic(documentID DocumentID) string {
	return cursorTopicPrefix + documentID.String()
}

// EncodeOperation serializes an operation to its wire form, one message
// per operation.
func EncodeOperation(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// DecodeOperation parses a wire payload into an Operation. Payloads with
// an unrecognized kind are rejected with ErrUnknownOperationKind rather
// than silently ignored.
func DecodeOperation(payload []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// EncodeCursorUpdate serializes a cursor update to its wire form.
func EncodeCursorUpdate(update CursorUpdate) ([]byte, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(update)
}

// DecodeCursorUpdate parses a wire payload into a CursorUpdate.
func DecodeCursorUpdate(payload []byte) (CursorUpdate, error) {
	var update CursorUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return CursorUpdate{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := update.Validate(); err != nil {
		return CursorUpdate{}, err
	}
	return update, nil
}
