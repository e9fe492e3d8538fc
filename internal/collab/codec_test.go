package collab

import (
	"errors"
	"testing"
)

func TestDecodeOperationRoundTrip(t *testing.T) {
	op := Operation{
		DocumentID:  "doc-1",
		UserID:      "user-1",
		DisplayName: "Ada",
		Timestamp:   1756500000000,
		Kind:        OperationKindReplace,
		Position:    0,
		Length:      5,
		Content:     "Hello world",
	}
	payload, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeOperation(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded != op {
		t.Fatalf("round trip mismatch: %#v", decoded)
	}
}

func TestDecodeOperationRejectsUnknownKind(t *testing.T) {
	payload := []byte(`{"document_id":"doc-1","user_id":"user-1","timestamp":1,"kind":"transmute","position":0}`)
	if _, err := DecodeOperation(payload); !errors.Is(err, ErrUnknownOperationKind) {
		t.Fatalf("expected ErrUnknownOperationKind, got %v", err)
	}
}

func TestDecodeOperationRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeOperation([]byte("{not json")); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestDecodeCursorUpdateRejectsMissingIdentity(t *testing.T) {
	payload := []byte(`{"document_id":"doc-1","position":4,"timestamp":1}`)
	if _, err := DecodeCursorUpdate(payload); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestTopicNames(t *testing.T) {
	documentID := mustDocumentID(t, "doc-42")
	if EditTopic(documentID) != "doc-edits:doc-42" {
		t.Fatalf("unexpected edit topic %q", EditTopic(documentID))
	}
	if CursorTopic(documentID) != "doc-cursors:doc-42" {
		t.Fatalf("unexpected cursor topic %q", CursorTopic(documentID))
	}
}
