package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/pagelift/coedit/backend/internal/auth"
	"github.com/pagelift/coedit/backend/internal/collab"
	"github.com/pagelift/coedit/backend/internal/documents"
	"github.com/pagelift/coedit/backend/internal/transport"
	"github.com/pagelift/coedit/backend/internal/users"
	"gorm.io/gorm"
)

type fixedIDGenerator struct {
	next int
}

func (g *fixedIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("doc-%d", g.next), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *auth.TokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &documents.OperationRecord{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: &fixedIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to build document service: %v", err)
	}
	profileService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}
	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "coedit-test",
	})
	if err != nil {
		t.Fatalf("failed to build token service: %v", err)
	}

	broker := transport.NewMemoryBroker()
	t.Cleanup(broker.Close)
	hub, err := NewRealtimeHub(RealtimeHubConfig{
		Registry:  collab.NewSessionRegistry(nil),
		Broker:    broker,
		Documents: documentService,
	})
	if err != nil {
		t.Fatalf("failed to build realtime hub: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:    tokenService,
		Documents: documentService,
		Profiles:  profileService,
		Realtime:  hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, tokenService
}

func issueToken(t *testing.T, server *httptest.Server, userID, displayName string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "display_name": displayName})
	response, err := http.Post(server.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected token status %d", response.StatusCode)
	}
	var payload tokenResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if payload.TokenType != "Bearer" || payload.AccessToken == "" {
		t.Fatalf("unexpected token payload %#v", payload)
	}
	return payload.AccessToken
}

func doAuthorized(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func TestDocumentCRUDRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	token := issueToken(t, server, "user-1", "Ada")

	saveBody, _ := json.Marshal(saveRequestPayload{Title: "Notes", ContentHTML: "<p>hi</p>"})
	response := doAuthorized(t, http.MethodPost, server.URL+"/api/documents", token, saveBody)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected save status %d", response.StatusCode)
	}
	var saved documentPayload
	if err := json.NewDecoder(response.Body).Decode(&saved); err != nil {
		t.Fatalf("failed to decode save response: %v", err)
	}
	response.Body.Close()
	if saved.DocumentID == "" || saved.Version != 1 {
		t.Fatalf("unexpected saved document %#v", saved)
	}

	response = doAuthorized(t, http.MethodGet, server.URL+"/api/documents/"+saved.DocumentID, token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected load status %d", response.StatusCode)
	}
	var loaded documentPayload
	if err := json.NewDecoder(response.Body).Decode(&loaded); err != nil {
		t.Fatalf("failed to decode load response: %v", err)
	}
	response.Body.Close()
	if loaded.ContentHTML != "<p>hi</p>" {
		t.Fatalf("unexpected content %q", loaded.ContentHTML)
	}

	response = doAuthorized(t, http.MethodGet, server.URL+"/api/documents", token, nil)
	var listing struct {
		Documents []documentPayload `json:"documents"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	response.Body.Close()
	if len(listing.Documents) != 1 {
		t.Fatalf("expected one document, got %d", len(listing.Documents))
	}

	response = doAuthorized(t, http.MethodDelete, server.URL+"/api/documents/"+saved.DocumentID, token, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delete status %d", response.StatusCode)
	}
	response.Body.Close()

	response = doAuthorized(t, http.MethodGet, server.URL+"/api/documents/"+saved.DocumentID, token, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", response.StatusCode)
	}
	response.Body.Close()
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	server, _ := newTestServer(t)

	response, err := http.Get(server.URL + "/api/documents")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestIssueTokenRejectsBlankUserID(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "   "})
	response, err := http.Post(server.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestTokenCarriesProfileDisplayName(t *testing.T) {
	server, tokens := newTestServer(t)

	// First token establishes the profile, the second omits the name and
	// should inherit the stored one.
	issueToken(t, server, "user-7", "Grace")
	token := issueToken(t, server, "user-7", "")

	collaborator, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if collaborator.DisplayName != "Grace" {
		t.Fatalf("expected stored display name, got %q", collaborator.DisplayName)
	}
}
