package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pagelift/coedit/backend/internal/auth"
	"github.com/pagelift/coedit/backend/internal/collab"
	"github.com/pagelift/coedit/backend/internal/database"
	"github.com/pagelift/coedit/backend/internal/documents"
	"github.com/pagelift/coedit/backend/internal/server"
	"github.com/pagelift/coedit/backend/internal/transport"
	"github.com/pagelift/coedit/backend/internal/users"
	"go.uber.org/zap"
)

const signingSecret = "integration-secret"

type wsEnvelope struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func startBackend(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build document service: %v", err)
	}
	profileService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build profile service: %v", err)
	}
	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "coedit-integration",
	})
	if err != nil {
		testContext.Fatalf("failed to build token service: %v", err)
	}

	broker := transport.NewMemoryBroker()
	testContext.Cleanup(broker.Close)
	hub, err := server.NewRealtimeHub(server.RealtimeHubConfig{
		Registry:  collab.NewSessionRegistry(nil),
		Broker:    broker,
		Documents: documentService,
	})
	if err != nil {
		testContext.Fatalf("failed to build realtime hub: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenService,
		Documents: documentService,
		Profiles:  profileService,
		Realtime:  hub,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	backend := httptest.NewServer(handler)
	testContext.Cleanup(backend.Close)
	return backend
}

func fetchToken(testContext *testing.T, backend *httptest.Server, userID, displayName string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "display_name": displayName})
	response, err := http.Post(backend.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	return payload.AccessToken
}

func dial(testContext *testing.T, backend *httptest.Server, token, documentID string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(backend.URL, "http") + "/ws/documents/" + documentID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("websocket dial failed: %v", err)
	}
	testContext.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(testContext *testing.T, conn *websocket.Conn) wsEnvelope {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope wsEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("websocket read failed: %v", err)
	}
	return envelope
}

func sendOperation(testContext *testing.T, conn *websocket.Conn, op collab.Operation) {
	testContext.Helper()
	payload, err := json.Marshal(op)
	if err != nil {
		testContext.Fatalf("failed to marshal operation: %v", err)
	}
	if err := conn.WriteJSON(wsEnvelope{Type: "operation", Payload: payload}); err != nil {
		testContext.Fatalf("failed to send operation: %v", err)
	}
}

// Exercises the full path: token issue, document save over HTTP, two
// collaborators editing over WebSocket, and a late joiner catching up
// from the live session buffer.
func TestCollaborativeEditingFlow(testContext *testing.T) {
	backend := startBackend(testContext)

	tokenA := fetchToken(testContext, backend, "user-a", "Ada")
	tokenB := fetchToken(testContext, backend, "user-b", "Grace")

	// Ada saves an initial document over HTTP.
	saveBody, _ := json.Marshal(map[string]string{"title": "Plan", "content_html": "Hello"})
	request, _ := http.NewRequest(http.MethodPost, backend.URL+"/api/documents", bytes.NewReader(saveBody))
	request.Header.Set("Authorization", "Bearer "+tokenA)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("save request failed: %v", err)
	}
	var saved struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&saved); err != nil {
		testContext.Fatalf("failed to decode save response: %v", err)
	}
	response.Body.Close()
	if saved.DocumentID == "" {
		testContext.Fatal("expected generated document id")
	}

	// Both collaborators join; the session seeds from the stored document.
	connA := dial(testContext, backend, tokenA, saved.DocumentID)
	snapshotA := readWS(testContext, connA)
	if snapshotA.Type != "snapshot" || snapshotA.Content != "Hello" {
		testContext.Fatalf("unexpected snapshot %#v", snapshotA)
	}
	connB := dial(testContext, backend, tokenB, saved.DocumentID)
	readWS(testContext, connB)

	// Ada appends; Grace sees the sequenced operation.
	sendOperation(testContext, connA, collab.Operation{
		DocumentID:  saved.DocumentID,
		UserID:      "user-a",
		DisplayName: "Ada",
		Timestamp:   time.Now().UnixMilli(),
		Kind:        collab.OperationKindInsert,
		Position:    5,
		Content:     " world",
	})
	envelope := readWS(testContext, connB)
	if envelope.Type != "operation" {
		testContext.Fatalf("expected operation, got %q", envelope.Type)
	}
	first, err := collab.DecodeOperation(envelope.Payload)
	if err != nil {
		testContext.Fatalf("failed to decode operation: %v", err)
	}
	if first.Sequence != 1 || first.Content != " world" {
		testContext.Fatalf("unexpected operation %#v", first)
	}

	// Grace replies with a whole-document replace, the reconnect baseline
	// shape; Ada receives it sequenced after her own edit.
	sendOperation(testContext, connB, collab.Operation{
		DocumentID:  saved.DocumentID,
		UserID:      "user-b",
		DisplayName: "Grace",
		Timestamp:   time.Now().UnixMilli(),
		Kind:        collab.OperationKindReplace,
		Position:    0,
		Length:      len("Hello world"),
		Content:     "Hello world!",
	})
	for {
		envelope = readWS(testContext, connA)
		received, err := collab.DecodeOperation(envelope.Payload)
		if err != nil {
			testContext.Fatalf("failed to decode operation: %v", err)
		}
		if received.UserID == "user-a" {
			continue // echo of Ada's own edit
		}
		if received.Sequence != 2 || received.Content != "Hello world!" {
			testContext.Fatalf("unexpected operation %#v", received)
		}
		break
	}

	// A third participant joining now catches up from the live buffer.
	tokenC := fetchToken(testContext, backend, "user-c", "Lin")
	connC := dial(testContext, backend, tokenC, saved.DocumentID)
	snapshotC := readWS(testContext, connC)
	if snapshotC.Content != "Hello world!" || snapshotC.Sequence != 2 {
		testContext.Fatalf("late joiner got stale snapshot %#v", snapshotC)
	}
}

func TestTokensFromDifferentUsersAreIsolated(testContext *testing.T) {
	backend := startBackend(testContext)

	tokenA := fetchToken(testContext, backend, "user-a", "Ada")
	tokenB := fetchToken(testContext, backend, "user-b", "Grace")

	saveBody, _ := json.Marshal(map[string]string{"title": "Private", "content_html": "secret"})
	request, _ := http.NewRequest(http.MethodPost, backend.URL+"/api/documents", bytes.NewReader(saveBody))
	request.Header.Set("Authorization", "Bearer "+tokenA)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("save request failed: %v", err)
	}
	response.Body.Close()

	listRequest, _ := http.NewRequest(http.MethodGet, backend.URL+"/api/documents", nil)
	listRequest.Header.Set("Authorization", "Bearer "+tokenB)
	listResponse, err := http.DefaultClient.Do(listRequest)
	if err != nil {
		testContext.Fatalf("list request failed: %v", err)
	}
	defer listResponse.Body.Close()
	var listing struct {
		Documents []json.RawMessage `json:"documents"`
	}
	if err := json.NewDecoder(listResponse.Body).Decode(&listing); err != nil {
		testContext.Fatalf("failed to decode list response: %v", err)
	}
	if len(listing.Documents) != 0 {
		testContext.Fatalf("expected empty listing for other user, got %d", len(listing.Documents))
	}
}
