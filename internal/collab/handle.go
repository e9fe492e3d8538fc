package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/pagelift/coedit/backend/internal/transport"
	"go.uber.org/zap"
)

// ErrMissingDocumentID indicates an open call without a document.
var ErrMissingDocumentID = errors.New("collab: document id is required")

// ErrMissingUser indicates an open call without an identity.
var ErrMissingUser = errors.New("collab: user id is required")

// OpenConfig describes one user opening one document for co-editing.
// Identity arrives already resolved; the collaboration core never
// authenticates anybody.
type OpenConfig struct {
	DocumentID     DocumentID
	UserID         UserID
	DisplayName    DisplayName
	InitialContent string

	// Broker is the pub/sub channel. A nil broker means collaboration
	// is disabled in this environment: the handle degrades to
	// local-only editing with no network calls at all.
	Broker transport.Broker

	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// SyncHandle is the surface the editor UI holds while a document is
// open. All methods are safe for concurrent use and none of them block
// on the network.
type SyncHandle struct {
	client  *SyncClient
	manager *transport.Manager
	logger  *zap.Logger

	mu        sync.Mutex
	onContent func(string)
	onCursors func([]CursorEntry)
	closed    bool
	done      chan struct{}
}

// OpenDocument wires a synchronization client to the transport and
// starts the connection lifecycle. Collaboration failures after this
// point degrade the session; they never block local edits.
func OpenDocument(cfg OpenConfig) (*SyncHandle, error) {
	if cfg.DocumentID == "" {
		return nil, ErrMissingDocumentID
	}
	if cfg.UserID == "" {
		return nil, ErrMissingUser
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handle := &SyncHandle{
		logger: logger,
		done:   make(chan struct{}),
	}

	client := NewSyncClient(SyncClientConfig{
		DocumentID:     cfg.DocumentID,
		UserID:         cfg.UserID,
		DisplayName:    cfg.DisplayName,
		InitialContent: cfg.InitialContent,
		Clock:          cfg.Clock,
		Logger:         logger,
		OnContentChanged: func(content string) {
			handle.notifyContent(content)
		},
		OnCursorsChanged: func(cursors []CursorEntry) {
			handle.notifyCursors(cursors)
		},
	})
	handle.client = client

	if cfg.Broker == nil {
		logger.Info("collaboration disabled, editing locally",
			zap.String("document_id", cfg.DocumentID.String()))
		return handle, nil
	}

	manager, err := transport.NewManager(transport.ManagerConfig{
		Broker:         cfg.Broker,
		Topics:         []string{EditTopic(cfg.DocumentID), CursorTopic(cfg.DocumentID)},
		ConnectTimeout: cfg.ConnectTimeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	handle.manager = manager
	client.publisher = &managerPublisher{
		manager:    manager,
		documentID: cfg.DocumentID,
		logger:     logger,
	}

	go handle.pump(cfg.DocumentID)
	if err := manager.Connect(); err != nil {
		return nil, err
	}
	return handle, nil
}

// SetContent records a local edit.
func (handle *SyncHandle) SetContent(newContent string) {
	handle.client.SetLocalContent(newContent)
}

// Content returns the local buffer.
func (handle *SyncHandle) Content() string {
	return handle.client.Content()
}

// UpdateCursor publishes the caret position when it changed.
func (handle *SyncHandle) UpdateCursor(position int) {
	handle.client.SendCursorPosition(position)
}

// Cursors returns the remote cursors tracked for this document.
func (handle *SyncHandle) Cursors() []CursorEntry {
	return handle.client.Cursors()
}

// EvictStaleCursors drops presence entries older than ttl.
func (handle *SyncHandle) EvictStaleCursors(ttl time.Duration) {
	if evicted := handle.client.Presence().EvictOlderThan(ttl); len(evicted) > 0 {
		handle.notifyCursors(handle.client.Cursors())
	}
}

// Subscribe registers the UI callbacks for remote changes. Either
// callback may be nil.
func (handle *SyncHandle) Subscribe(onContentChanged func(string), onCursorsChanged func([]CursorEntry)) {
	handle.mu.Lock()
	handle.onContent = onContentChanged
	handle.onCursors = onCursorsChanged
	handle.mu.Unlock()
}

// Close leaves the document: unsubscribes from its topics and releases
// client state. In-flight publishes are not cancelled.
func (handle *SyncHandle) Close() {
	handle.mu.Lock()
	if handle.closed {
		handle.mu.Unlock()
		return
	}
	handle.closed = true
	handle.mu.Unlock()

	close(handle.done)
	if handle.manager != nil {
		handle.manager.Close()
	}
}

// pump translates transport events into client calls. A fresh connection
// republishes the local buffer as a baseline so peers resynchronize to
// whatever this client has: documented last-writer-wins on reconnect.
func (handle *SyncHandle) pump(documentID DocumentID) {
	editTopic := EditTopic(documentID)
	cursorTopic := CursorTopic(documentID)
	for {
		select {
		case <-handle.done:
			return
		case event := <-handle.manager.Events():
			switch event.Kind {
			case transport.EventConnected:
				handle.client.PublishBaseline()
			case transport.EventError:
				handle.logger.Warn("collaboration degraded",
					zap.String("document_id", documentID.String()),
					zap.String("reason", event.Reason))
			case transport.EventMessage:
				switch event.Topic {
				case editTopic:
					op, err := DecodeOperation(event.Payload)
					if err != nil {
						handle.logger.Warn("dropping malformed operation", zap.Error(err))
						continue
					}
					handle.client.OnRemoteOperation(op)
				case cursorTopic:
					update, err := DecodeCursorUpdate(event.Payload)
					if err != nil {
						handle.logger.Warn("dropping malformed cursor update", zap.Error(err))
						continue
					}
					handle.client.OnCursorUpdate(update)
				}
			}
		}
	}
}

func (handle *SyncHandle) notifyContent(content string) {
	handle.mu.Lock()
	callback := handle.onContent
	handle.mu.Unlock()
	if callback != nil {
		callback(content)
	}
}

func (handle *SyncHandle) notifyCursors(cursors []CursorEntry) {
	handle.mu.Lock()
	callback := handle.onCursors
	handle.mu.Unlock()
	if callback != nil {
		callback(cursors)
	}
}

// managerPublisher adapts the connection manager to the Publisher
// contract with wire encoding at the boundary.
type managerPublisher struct {
	manager    *transport.Manager
	documentID DocumentID
	logger     *zap.Logger
}

func (publisher *managerPublisher) PublishOperation(op Operation) {
	payload, err := EncodeOperation(op)
	if err != nil {
		publisher.logger.Warn("dropping unencodable operation", zap.Error(err))
		return
	}
	publisher.manager.Publish(EditTopic(publisher.documentID), payload)
}

func (publisher *managerPublisher) PublishCursor(update CursorUpdate) {
	payload, err := EncodeCursorUpdate(update)
	if err != nil {
		publisher.logger.Warn("dropping unencodable cursor update", zap.Error(err))
		return
	}
	publisher.manager.Publish(CursorTopic(publisher.documentID), payload)
}
