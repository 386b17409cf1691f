package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/identity"
	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/platforms/mock"
	"github.com/workmesh/credbroker/storage/memory"
	"github.com/workmesh/credbroker/vault"
)

func newTestCatalog(t *testing.T) (*Catalog, *vault.Vault, *mock.Platform) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	meeting := mock.New()
	meeting.NameValue = "mockmeet"
	meeting.CategoryValue = platforms.CategoryMeeting

	registry := platforms.NewRegistry(meeting)
	v := vault.New(store, registry)
	return New(v, registry, nil), v, meeting
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Arguments = args
	return request
}

func connectUser(t *testing.T, v *vault.Vault, sessionID, platform string, token *oauth2.Token) string {
	t.Helper()
	userID := identity.DeriveUserID(sessionID)
	_, err := v.Save(context.Background(), userID, platform, token, &platforms.Account{
		Email:       "pat@example.com",
		DisplayName: "Pat Host",
	}, []string{"meeting:write"})
	if err != nil {
		t.Fatalf("vault.Save failed: %v", err)
	}
	return userID
}

func freshToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "stored-access-token",
		RefreshToken: "stored-refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func expiredToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "stored-access-token",
		RefreshToken: "stored-refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text
}

func TestListConnections(t *testing.T) {
	catalog, v, _ := newTestCatalog(t)
	connectUser(t, v, "session-1", "mockmeet", freshToken())

	result, err := catalog.handleListConnections(context.Background(),
		callRequest(map[string]any{"session_id": "session-1"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}

	text := resultText(t, result)
	if !strings.Contains(text, "mockmeet") || !strings.Contains(text, "meeting") {
		t.Errorf("unexpected result: %s", text)
	}
	// Credential material never appears in tool output.
	if strings.Contains(text, "stored-access-token") || strings.Contains(text, "stored-refresh-token") {
		t.Errorf("tool output leaks credentials: %s", text)
	}
}

func TestListConnectionsRequiresSession(t *testing.T) {
	catalog, _, _ := newTestCatalog(t)

	result, err := catalog.handleListConnections(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error without session_id")
	}
}

func TestCreateMeeting(t *testing.T) {
	catalog, v, platform := newTestCatalog(t)
	connectUser(t, v, "session-1", "mockmeet", freshToken())

	result, err := catalog.handleCreateMeeting(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
		"topic":      "Sprint review",
		"start_time": "2026-09-01T10:00:00Z",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}

	text := resultText(t, result)
	if !strings.Contains(text, "Sprint review") || !strings.Contains(text, "mockmeet") {
		t.Errorf("unexpected result: %s", text)
	}
	// A fresh credential set needs no upstream refresh.
	if platform.GetCallCount("Refresh") != 0 {
		t.Errorf("Refresh called %d times, want 0", platform.GetCallCount("Refresh"))
	}
}

func TestCreateMeetingRefreshesExpiredCredentials(t *testing.T) {
	catalog, v, platform := newTestCatalog(t)
	connectUser(t, v, "session-1", "mockmeet", expiredToken())

	result, err := catalog.handleCreateMeeting(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
		"topic":      "Standup",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}
	if platform.GetCallCount("Refresh") != 1 {
		t.Errorf("Refresh called %d times, want 1", platform.GetCallCount("Refresh"))
	}
}

func TestCreateMeetingInvalidStartTime(t *testing.T) {
	catalog, v, _ := newTestCatalog(t)
	connectUser(t, v, "session-1", "mockmeet", freshToken())

	result, err := catalog.handleCreateMeeting(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
		"topic":      "Standup",
		"start_time": "tomorrow at noon",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error for an unparseable start_time")
	}
}

func TestCreateMeetingNoConnection(t *testing.T) {
	catalog, _, _ := newTestCatalog(t)

	result, err := catalog.handleCreateMeeting(context.Background(), callRequest(map[string]any{
		"session_id": "session-without-connections",
		"topic":      "Standup",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error without a connected platform")
	}
	if text := resultText(t, result); !strings.Contains(text, "connect") {
		t.Errorf("error message should point at connecting a platform: %s", text)
	}
}

func TestCreateMeetingDeadGrant(t *testing.T) {
	catalog, v, platform := newTestCatalog(t)

	// Expired access token and no refresh token: reauthorization required,
	// with no upstream call.
	token := expiredToken()
	token.RefreshToken = ""
	connectUser(t, v, "session-1", "mockmeet", token)

	result, err := catalog.handleCreateMeeting(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
		"topic":      "Standup",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error for a dead grant")
	}
	if text := resultText(t, result); !strings.Contains(text, "reconnected") {
		t.Errorf("error message should ask for a reconnect: %s", text)
	}
	if platform.GetCallCount("Refresh") != 0 {
		t.Errorf("Refresh called %d times, want 0", platform.GetCallCount("Refresh"))
	}
}

func TestTaskToolsRequireTaskPlatform(t *testing.T) {
	catalog, v, _ := newTestCatalog(t)
	// Only a meeting platform is connected.
	connectUser(t, v, "session-1", "mockmeet", freshToken())

	result, err := catalog.handleCreateTask(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
		"name":       "Write report",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error without a task platform")
	}
}

func TestListTasksWithTaskPlatform(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	tasks := mock.New()
	tasks.NameValue = "mocktask"
	tasks.CategoryValue = platforms.CategoryTask

	registry := platforms.NewRegistry(tasks)
	v := vault.New(store, registry)
	catalog := New(v, registry, nil)

	connectUser(t, v, "session-1", "mocktask", freshToken())

	result, err := catalog.handleListTasks(context.Background(), callRequest(map[string]any{
		"session_id": "session-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "mocktask") {
		t.Errorf("unexpected result: %s", text)
	}
}

func TestServerRegistersCatalog(t *testing.T) {
	catalog, _, _ := newTestCatalog(t)
	srv := catalog.Server("credbroker", "1.0.0")
	if srv == nil {
		t.Fatal("nil MCP server")
	}
}
