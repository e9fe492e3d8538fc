// Package chat holds per-caller AI assistant sessions. A ChatSession is
// owned by the UI context that opened it; there is no shared process-wide
// history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingGenerator indicates a session was configured without a backend.
	ErrMissingGenerator = errors.New("chat: generator is required")
	// ErrEmptyPrompt indicates a blank prompt was submitted.
	ErrEmptyPrompt = errors.New("chat: prompt must not be empty")
)

// Generation failure reasons.
const (
	ReasonNetwork = "network"
	ReasonQuota   = "quota"
	ReasonFormat  = "format"
)

// GenerationError reports a failed call to the text-generation backend.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat generation failed: %s", e.Reason)
	}
	return fmt.Sprintf("chat generation failed: %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generator is the text-generation backend consumed by a session.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	ChatEdit(ctx context.Context, prompt string, currentDocument string) (string, error)
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one exchange entry in a session history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionConfig describes the dependencies of a ChatSession.
type SessionConfig struct {
	Generator Generator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// ChatSession accumulates one caller's conversation with the generator.
type ChatSession struct {
	mutex     sync.Mutex
	generator Generator
	clock     func() time.Time
	logger    *zap.Logger
	history   []Message
}

// NewChatSession validates the configuration and returns an empty session.
func NewChatSession(cfg SessionConfig) (*ChatSession, error) {
	if cfg.Generator == nil {
		return nil, ErrMissingGenerator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatSession{generator: cfg.Generator, clock: clock, logger: logger}, nil
}

// Ask sends a free-form prompt and records both sides of the exchange.
func (s *ChatSession) Ask(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	content, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("chat generation failed",
			zap.String("operation", "chat.ask"),
			zap.Error(err))
		return "", err
	}
	s.appendLocked(RoleUser, prompt)
	s.appendLocked(RoleAssistant, content)
	return content, nil
}

// EditDocument asks the generator to rewrite the supplied document per the
// prompt. The document text is not stored in the history, only the prompt
// and the produced content.
func (s *ChatSession) EditDocument(ctx context.Context, prompt string, currentDocument string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	content, err := s.generator.ChatEdit(ctx, prompt, currentDocument)
	if err != nil {
		s.logger.Warn("chat edit failed",
			zap.String("operation", "chat.edit_document"),
			zap.Error(err))
		return "", err
	}
	s.appendLocked(RoleUser, prompt)
	s.appendLocked(RoleAssistant, content)
	return content, nil
}

// History returns a copy of the recorded exchanges in order.
func (s *ChatSession) History() []Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	history := make([]Message, len(s.history))
	copy(history, s.history)
	return history
}

// Reset discards the recorded history.
func (s *ChatSession) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.history = nil
}

func (s *ChatSession) appendLocked(role, content string) {
	s.history = append(s.history, Message{
		Role:      role,
		Content:   content,
		CreatedAt: s.clock().UTC(),
	})
}
