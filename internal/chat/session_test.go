package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubGenerator struct {
	generated string
	edited    string
	err       error
	lastDoc   string
}

func (g *stubGenerator) Generate(_ context.Context, _ string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.generated, nil
}

func (g *stubGenerator) ChatEdit(_ context.Context, _ string, currentDocument string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.lastDoc = currentDocument
	return g.edited, nil
}

func newTestSession(t *testing.T, generator Generator) *ChatSession {
	t.Helper()
	session, err := NewChatSession(SessionConfig{
		Generator: generator,
		Clock:     func() time.Time { return time.Unix(1756500000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	return session
}

func TestAskRecordsBothSides(t *testing.T) {
	session := newTestSession(t, &stubGenerator{generated: "An outline."})

	content, err := session.Ask(context.Background(), "Draft an outline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "An outline." {
		t.Fatalf("unexpected content %q", content)
	}

	history := session.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != RoleUser || history[0].Content != "Draft an outline" {
		t.Fatalf("unexpected user entry %#v", history[0])
	}
	if history[1].Role != RoleAssistant || history[1].Content != "An outline." {
		t.Fatalf("unexpected assistant entry %#v", history[1])
	}
}

func TestEditDocumentPassesCurrentContent(t *testing.T) {
	generator := &stubGenerator{edited: "Hello, world"}
	session := newTestSession(t, generator)

	content, err := session.EditDocument(context.Background(), "Add punctuation", "Hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "Hello, world" {
		t.Fatalf("unexpected content %q", content)
	}
	if generator.lastDoc != "Hello world" {
		t.Fatalf("document not forwarded: %q", generator.lastDoc)
	}
}

func TestGenerationFailureLeavesHistoryUntouched(t *testing.T) {
	failure := &GenerationError{Reason: ReasonQuota, Err: errors.New("429")}
	session := newTestSession(t, &stubGenerator{err: failure})

	if _, err := session.Ask(context.Background(), "anything"); err == nil {
		t.Fatal("expected generation error")
	} else {
		var generationErr *GenerationError
		if !errors.As(err, &generationErr) || generationErr.Reason != ReasonQuota {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if len(session.History()) != 0 {
		t.Fatal("failed exchange must not be recorded")
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	session := newTestSession(t, &stubGenerator{})
	if _, err := session.Ask(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	generator := &stubGenerator{generated: "ok"}
	first := newTestSession(t, generator)
	second := newTestSession(t, generator)

	if _, err := first.Ask(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.History()) != 0 {
		t.Fatal("history leaked across sessions")
	}

	first.Reset()
	if len(first.History()) != 0 {
		t.Fatal("reset did not clear history")
	}
}

func TestNewChatSessionRequiresGenerator(t *testing.T) {
	if _, err := NewChatSession(SessionConfig{}); !errors.Is(err, ErrMissingGenerator) {
		t.Fatalf("expected ErrMissingGenerator, got %v", err)
	}
}
