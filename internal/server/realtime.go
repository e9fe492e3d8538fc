package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pagelift/coedit/backend/internal/auth"
	"github.com/pagelift/coedit/backend/internal/collab"
	"github.com/pagelift/coedit/backend/internal/documents"
	"github.com/pagelift/coedit/backend/internal/transport"
	"go.uber.org/zap"
)

// WebSocket envelope types.
const (
	wsTypeSnapshot  = "snapshot"
	wsTypeOperation = "operation"
	wsTypeCursor    = "cursor"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsOutboundBuffer  = 64
	wsMaxMessageBytes = 1 << 20
)

var (
	errMissingRegistry = errors.New("session registry dependency required")
	errMissingBroker   = errors.New("broker dependency required")
)

type wsEnvelope struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RealtimeHubConfig describes the dependencies of the realtime bridge.
type RealtimeHubConfig struct {
	Registry  *collab.SessionRegistry
	Broker    transport.Broker
	Documents *documents.Service
	Logger    *zap.Logger
}

// RealtimeHub bridges browser WebSocket connections onto the pub/sub
// broker. Each connection joins the per-document session, which assigns
// sequence numbers; sequenced operations fan out through the broker so
// every node sees the same stream.
type RealtimeHub struct {
	registry  *collab.SessionRegistry
	broker    transport.Broker
	documents *documents.Service
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewRealtimeHub validates the configuration and returns a hub.
func NewRealtimeHub(cfg RealtimeHubConfig) (*RealtimeHub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHub{
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		documents: cfg.Documents,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// HandleDocument upgrades the request and runs the connection until the
// client disconnects.
func (h *RealtimeHub) HandleDocument(w http.ResponseWriter, r *http.Request, collaborator auth.Collaborator, documentID collab.DocumentID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageBytes)

	session := h.registry.GetOrCreate(documentID, h.seedContent(r.Context(), documentID))
	content, err := session.Join(collaborator.UserID, collaborator.DisplayName)
	if err != nil {
		h.logger.Warn("session join failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	defer session.Leave(collaborator.UserID)

	outbound := make(chan wsEnvelope, wsOutboundBuffer)
	done := make(chan struct{})
	go h.writeLoop(conn, outbound, done)
	defer close(done)

	outbound <- wsEnvelope{Type: wsTypeSnapshot, Content: content, Sequence: session.Sequence()}

	forward := func(envelopeType string) func([]byte) {
		return func(payload []byte) {
			select {
			case outbound <- wsEnvelope{Type: envelopeType, Payload: payload}:
			default:
				// Slow consumer; it will resync from the next whole-document
				// replace rather than stall everyone else.
			}
		}
	}
	unsubscribeEdits, err := h.broker.Subscribe(collab.EditTopic(documentID), forward(wsTypeOperation))
	if err != nil {
		h.logger.Error("edit subscription failed", zap.Error(err))
		return
	}
	defer unsubscribeEdits()
	unsubscribeCursors, err := h.broker.Subscribe(collab.CursorTopic(documentID), forward(wsTypeCursor))
	if err != nil {
		h.logger.Error("cursor subscription failed", zap.Error(err))
		return
	}
	defer unsubscribeCursors()

	h.readLoop(r.Context(), conn, session, collaborator, documentID)
}

func (h *RealtimeHub) writeLoop(conn *websocket.Conn, outbound <-chan wsEnvelope, done <-chan struct{}) {
	for {
		select {
		case envelope := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *RealtimeHub) readLoop(ctx context.Context, conn *websocket.Conn, session *collab.DocumentSession, collaborator auth.Collaborator, documentID collab.DocumentID) {
	for {
		var envelope wsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended",
					zap.String("document_id", documentID.String()),
					zap.Error(err))
			}
			return
		}

		switch envelope.Type {
		case wsTypeOperation:
			h.handleOperation(ctx, session, collaborator, documentID, envelope.Payload)
		case wsTypeCursor:
			h.handleCursor(collaborator, documentID, envelope.Payload)
		default:
			h.logger.Warn("unknown websocket message type",
				zap.String("type", envelope.Type),
				zap.String("document_id", documentID.String()))
		}
	}
}

func (h *RealtimeHub) handleOperation(ctx context.Context, session *collab.DocumentSession, collaborator auth.Collaborator, documentID collab.DocumentID, payload []byte) {
	op, err := collab.DecodeOperation(payload)
	if err != nil {
		h.logger.Warn("rejected malformed operation",
			zap.String("document_id", documentID.String()),
			zap.String("user_id", collaborator.UserID.String()),
			zap.Error(err))
		return
	}
	if op.UserID != collaborator.UserID.String() || op.DocumentID != documentID.String() {
		h.logger.Warn("rejected operation with mismatched identity",
			zap.String("document_id", documentID.String()),
			zap.String("user_id", collaborator.UserID.String()))
		return
	}

	sequenced, err := session.Accept(op)
	if err != nil {
		h.logger.Warn("operation rejected by session",
			zap.String("document_id", documentID.String()),
			zap.String("user_id", collaborator.UserID.String()),
			zap.Error(err))
		return
	}

	if h.documents != nil {
		if err := h.documents.AppendOperations(ctx, documentID, []collab.Operation{sequenced}); err != nil {
			h.logger.Error("operation log append failed",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
	}

	encoded, err := collab.EncodeOperation(sequenced)
	if err != nil {
		h.logger.Error("operation encode failed", zap.Error(err))
		return
	}
	if err := h.broker.Publish(collab.EditTopic(documentID), encoded); err != nil {
		h.logger.Error("operation publish failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
	}
}

func (h *RealtimeHub) handleCursor(collaborator auth.Collaborator, documentID collab.DocumentID, payload []byte) {
	update, err := collab.DecodeCursorUpdate(payload)
	if err != nil {
		h.logger.Warn("rejected malformed cursor update",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	if update.UserID != collaborator.UserID.String() || update.DocumentID != documentID.String() {
		return
	}

	encoded, err := collab.EncodeCursorUpdate(update)
	if err != nil {
		return
	}
	if err := h.broker.Publish(collab.CursorTopic(documentID), encoded); err != nil {
		h.logger.Warn("cursor publish failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
	}
}

// seedContent loads the stored document so a fresh session starts from
// the persisted buffer. Unknown documents start empty.
func (h *RealtimeHub) seedContent(ctx context.Context, documentID collab.DocumentID) string {
	if h.documents == nil {
		return ""
	}
	stored, err := h.documents.Load(ctx, documentID)
	if err != nil {
		if !errors.Is(err, documents.ErrDocumentNotFound) {
			h.logger.Warn("document seed load failed",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
		return ""
	}
	return stored.ContentHTML
}
