package collab

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher sends operations and cursor updates toward the channel.
// Implementations are fire-and-forget: transport failures surface
// through the connection lifecycle, never through these calls.
type Publisher interface {
	PublishOperation(op Operation)
	PublishCursor(update CursorUpdate)
}

// SyncClientConfig describes the dependencies of a SyncClient.
type SyncClientConfig struct {
	DocumentID     DocumentID
	UserID         UserID
	DisplayName    DisplayName
	InitialContent string
	Publisher      Publisher
	Clock          func() time.Time
	Logger         *zap.Logger

	// OnContentChanged fires after a remote operation lands in the
	// local buffer. Local edits do not fire it; the caller already
	// holds that content.
	OnContentChanged func(content string)
	// OnCursorsChanged fires after remote presence changes.
	OnCursorsChanged func(cursors []CursorEntry)
}

// SyncClient is the per-user-per-document synchronization state. Local
// edits are applied optimistically and published as whole-document
// replaces; remote operations are merged into the local buffer with the
// client's own echoes recognized and discarded.
type SyncClient struct {
	mu            sync.Mutex
	documentID    DocumentID
	userID        UserID
	displayName   DisplayName
	content       string
	lastLocal     *Operation
	lastTimestamp int64
	lastCursorPos int
	presence      *PresenceTracker
	publisher     Publisher
	clock         func() time.Time
	logger        *zap.Logger
	onContent     func(string)
	onCursors     func([]CursorEntry)
}

// NewSyncClient constructs a client around the initial buffer.
func NewSyncClient(cfg SyncClientConfig) *SyncClient {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncClient{
		documentID:    cfg.DocumentID,
		userID:        cfg.UserID,
		displayName:   cfg.DisplayName,
		content:       cfg.InitialContent,
		lastCursorPos: -1,
		presence:      NewPresenceTracker(clock),
		publisher:     cfg.Publisher,
		clock:         clock,
		logger:        logger,
		onContent:     cfg.OnContentChanged,
		onCursors:     cfg.OnCursorsChanged,
	}
}

// Content returns the local view of the document. The local buffer is
// always the source of truth for what the user sees, even while
// synchronization is degraded.
func (client *SyncClient) Content() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.content
}

// Cursors returns the tracked remote cursors.
func (client *SyncClient) Cursors() []CursorEntry {
	return client.presence.Snapshot()
}

// Presence exposes the tracker so callers can run stale-entry eviction.
func (client *SyncClient) Presence() *PresenceTracker {
	return client.presence
}

// SetLocalContent records a local edit as a single replace spanning the
// whole document, applies it optimistically, and publishes it. This is
// the conflict policy in force: whole-document replace, not positional
// diffing, so interleaved writers resolve last-writer-wins.
func (client *SyncClient) SetLocalContent(newContent string) {
	client.mu.Lock()
	op := Operation{
		DocumentID:  client.documentID.String(),
		UserID:      client.userID.String(),
		DisplayName: client.displayName.String(),
		Timestamp:   client.nextTimestampLocked(),
		Kind:        OperationKindReplace,
		Position:    0,
		Length:      len(client.content),
		Content:     newContent,
	}
	client.lastLocal = &op
	client.content = newContent
	client.mu.Unlock()

	if client.publisher != nil {
		client.publisher.PublishOperation(op)
	}
}

// PublishBaseline republishes the current full content as a fresh
// operation. Fired on (re)connect so a returning client resynchronizes
// its peers to whatever it has locally: explicit last-writer-wins.
func (client *SyncClient) PublishBaseline() {
	client.mu.Lock()
	op := Operation{
		DocumentID:  client.documentID.String(),
		UserID:      client.userID.String(),
		DisplayName: client.displayName.String(),
		Timestamp:   client.nextTimestampLocked(),
		Kind:        OperationKindReplace,
		Position:    0,
		Length:      len(client.content),
		Content:     client.content,
	}
	client.lastLocal = &op
	client.mu.Unlock()

	if client.publisher != nil {
		client.publisher.PublishOperation(op)
	}
}

// OnRemoteOperation merges one operation from the channel into the local
// buffer. The client's own echo is recognized by origin and timestamp
// and dropped exactly once; operations that do not fit the buffer are
// logged and skipped rather than crashing the editor.
func (client *SyncClient) OnRemoteOperation(op Operation) {
	client.mu.Lock()
	if op.UserID == client.userID.String() {
		if client.lastLocal != nil && op.Timestamp == client.lastLocal.Timestamp {
			client.lastLocal = nil
		}
		client.mu.Unlock()
		return
	}

	var next string
	if op.IsWholeDocument(client.content) {
		next = op.Content
	} else {
		applied, err := Apply(client.content, op)
		if err != nil {
			client.mu.Unlock()
			client.logger.Warn("skipping remote operation",
				zap.String("document_id", op.DocumentID),
				zap.String("user_id", op.UserID),
				zap.String("kind", string(op.Kind)),
				zap.Error(err))
			return
		}
		next = applied
	}

	changed := next != client.content
	client.content = next
	onContent := client.onContent
	client.mu.Unlock()

	if changed && onContent != nil {
		onContent(next)
	}
}

// OnCursorUpdate folds a remote cursor update into presence. Updates for
// the client's own cursor are ignored.
func (client *SyncClient) OnCursorUpdate(update CursorUpdate) {
	if update.UserID == client.userID.String() {
		return
	}
	client.presence.Upsert(update)
	if client.onCursors != nil {
		client.onCursors(client.presence.Snapshot())
	}
}

// SendCursorPosition publishes the caret position, suppressing repeats
// of the previously sent position to keep the channel quiet.
func (client *SyncClient) SendCursorPosition(position int) {
	client.mu.Lock()
	if position == client.lastCursorPos {
		client.mu.Unlock()
		return
	}
	client.lastCursorPos = position
	update := CursorUpdate{
		DocumentID:  client.documentID.String(),
		UserID:      client.userID.String(),
		DisplayName: client.displayName.String(),
		Position:    position,
		Timestamp:   client.nextTimestampLocked(),
	}
	client.mu.Unlock()

	if client.publisher != nil {
		client.publisher.PublishCursor(update)
	}
}

// nextTimestampLocked returns a strictly increasing millisecond stamp so
// echo detection never confuses two rapid local edits.
func (client *SyncClient) nextTimestampLocked() int64 {
	now := client.clock().UnixMilli()
	if now <= client.lastTimestamp {
		now = client.lastTimestamp + 1
	}
	client.lastTimestamp = now
	return now
}
