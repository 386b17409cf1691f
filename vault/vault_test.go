package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/platforms/mock"
	"github.com/workmesh/credbroker/storage"
	"github.com/workmesh/credbroker/storage/memory"
)

func newTestVault(t *testing.T) (*Vault, *memory.Store, *mock.Platform) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	platform := mock.New()
	v := New(store, platforms.NewRegistry(platform))
	return v, store, platform
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
	tok := freshToken()
	tok.Expiry = time.Now().Add(-time.Minute)
	return tok
}

func TestSaveAndListActive(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	conn, err := v.Save(ctx, "user1", "mock", freshToken(),
		&platforms.Account{Email: "pat@example.com", DisplayName: "Pat Host"},
		[]string{"meeting:read"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if conn.ID == "" {
		t.Fatal("Save did not assign a connection ID")
	}
	if conn.AccountEmail != "pat@example.com" {
		t.Errorf("AccountEmail = %q", conn.AccountEmail)
	}

	conns, err := v.ListActive(ctx, "user1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(conns) != 1 || conns[0].Platform != "mock" {
		t.Fatalf("ListActive = %+v, want one mock connection", conns)
	}
	if !conns[0].Active {
		t.Error("connection should be active")
	}
}

func TestSaveRejectsEmptyToken(t *testing.T) {
	v, _, _ := newTestVault(t)

	if _, err := v.Save(context.Background(), "user1", "mock", nil, nil, nil); err == nil {
		t.Error("Save with nil token should fail")
	}
	if _, err := v.Save(context.Background(), "user1", "mock", &oauth2.Token{}, nil, nil); err == nil {
		t.Error("Save with empty access token should fail")
	}
}

func TestDisconnect(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Save(ctx, "user1", "mock", freshToken(), nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := v.Disconnect(ctx, "user1", "mock"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	conns, err := v.ListActive(ctx, "user1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("ListActive after disconnect = %d connections, want 0", len(conns))
	}

	// Nothing left to disconnect
	if err := v.Disconnect(ctx, "user1", "mock"); !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Errorf("second Disconnect = %v, want ErrConnectionNotFound", err)
	}
}

func TestAccessTokenUnexpired(t *testing.T) {
	v, _, platform := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Save(ctx, "user1", "mock", freshToken(), nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := v.AccessToken(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != "stored-access-token" {
		t.Errorf("AccessToken = %q, want stored token", got)
	}
	if n := platform.GetCallCount("Refresh"); n != 0 {
		t.Errorf("Refresh called %d times for unexpired credentials, want 0", n)
	}
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	v, store, platform := newTestVault(t)
	ctx := context.Background()

	conn, err := v.Save(ctx, "user1", "mock", expiredToken(), nil, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := v.AccessToken(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != "new-mock-access-token" {
		t.Errorf("AccessToken = %q, want refreshed token", got)
	}
	if n := platform.GetCallCount("Refresh"); n != 1 {
		t.Errorf("Refresh called %d times, want exactly 1", n)
	}

	// The rotated set is persisted with a bumped version
	stored, err := store.GetActiveConnection(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("GetActiveConnection failed: %v", err)
	}
	if stored.Credentials.AccessToken != "new-mock-access-token" {
		t.Errorf("stored AccessToken = %q", stored.Credentials.AccessToken)
	}
	if stored.Credentials.RefreshToken != "new-mock-refresh-token" {
		t.Errorf("stored RefreshToken = %q", stored.Credentials.RefreshToken)
	}
	if stored.Version != conn.Version+1 {
		t.Errorf("stored Version = %d, want %d", stored.Version, conn.Version+1)
	}
}

func TestAccessTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	v, store, platform := newTestVault(t)
	ctx := context.Background()

	platform.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken: "new-mock-access-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	if _, err := v.Save(ctx, "user1", "mock", expiredToken(), nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := v.AccessToken(ctx, "user1", "mock"); err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}

	stored, err := store.GetActiveConnection(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("GetActiveConnection failed: %v", err)
	}
	if stored.Credentials.RefreshToken != "stored-refresh-token" {
		t.Errorf("RefreshToken = %q, want original kept", stored.Credentials.RefreshToken)
	}
}

func TestAccessTokenNoRefreshToken(t *testing.T) {
	v, _, platform := newTestVault(t)
	ctx := context.Background()

	tok := expiredToken()
	tok.RefreshToken = ""
	if _, err := v.Save(ctx, "user1", "mock", tok, nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err := v.AccessToken(ctx, "user1", "mock")
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("AccessToken = %v, want ErrReauthorizationRequired", err)
	}
	if n := platform.GetCallCount("Refresh"); n != 0 {
		t.Errorf("Refresh called %d times without a refresh token, want 0", n)
	}
}

func TestAccessTokenInvalidGrant(t *testing.T) {
	v, _, platform := newTestVault(t)
	ctx := context.Background()

	platform.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, &platforms.UpstreamError{
			Platform:    "mock",
			Op:          "refresh",
			Code:        "invalid_grant",
			Description: "refresh token revoked",
			StatusCode:  400,
		}
	}

	if _, err := v.Save(ctx, "user1", "mock", expiredToken(), nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err := v.AccessToken(ctx, "user1", "mock")
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("AccessToken = %v, want ErrReauthorizationRequired", err)
	}
}

func TestAccessTokenTransientRefreshError(t *testing.T) {
	v, _, platform := newTestVault(t)
	ctx := context.Background()

	platform.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, errors.New("connection reset")
	}

	if _, err := v.Save(ctx, "user1", "mock", expiredToken(), nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err := v.AccessToken(ctx, "user1", "mock")
	if err == nil {
		t.Fatal("AccessToken should fail on transport error")
	}
	if errors.Is(err, ErrReauthorizationRequired) {
		t.Error("transport error must not demand reauthorization")
	}
}

func TestAccessTokenUnknownConnection(t *testing.T) {
	v, _, _ := newTestVault(t)

	_, err := v.AccessToken(context.Background(), "user1", "mock")
	if !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Errorf("AccessToken = %v, want ErrConnectionNotFound", err)
	}
}

func TestAccessTokenRefreshRaceLoserUsesWinner(t *testing.T) {
	v, store, platform := newTestVault(t)
	ctx := context.Background()

	conn, err := v.Save(ctx, "user1", "mock", expiredToken(), nil, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A competing refresher commits between our upstream call and our CAS
	platform.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		_, err := store.UpdateCredentials(ctx, conn.ID, storage.CredentialSet{
			AccessToken:  "winner-access-token",
			RefreshToken: "winner-refresh-token",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, conn.Version)
		if err != nil {
			t.Errorf("competing update failed: %v", err)
		}
		return &oauth2.Token{
			AccessToken:  "loser-access-token",
			RefreshToken: "loser-refresh-token",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	got, err := v.AccessToken(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != "winner-access-token" {
		t.Errorf("AccessToken = %q, want the winner's token", got)
	}

	stored, err := store.GetActiveConnection(ctx, "user1", "mock")
	if err != nil {
		t.Fatalf("GetActiveConnection failed: %v", err)
	}
	if stored.Credentials.AccessToken != "winner-access-token" {
		t.Errorf("stored AccessToken = %q, loser must not overwrite the winner", stored.Credentials.AccessToken)
	}
}
