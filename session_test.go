package conduit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type staticTokenSource string

func (s staticTokenSource) Token() (string, bool) { return string(s), s != "" }

func newTestSession(t *testing.T, clock *fixedClock, opts ...SessionOption) *SessionManager {
	t.Helper()
	opts = append([]SessionOption{WithClock(clock.Now)}, opts...)
	m, err := NewSessionManager(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return m
}

func TestValidTokenNoToken(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestSession(t, clock)
	if _, err := m.ValidToken(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestValidTokenAssignsDefaultTTL(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestSession(t, clock)
	if err := m.SetToken("tok-1", 0); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	tok, err := m.ValidToken(context.Background())
	if err != nil {
		t.Fatalf("ValidToken: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("expected tok-1, got %q", tok)
	}

	// The assigned expiry persists: past the default TTL the token hard-expires.
	clock.Advance(DefaultTokenTTL + time.Hour)
	if _, err := m.ValidToken(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired after TTL, got %v", err)
	}
}

func TestValidTokenRefreshAhead(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	calls := 0
	refresh := func(ctx context.Context, current string) (string, int64, error) {
		calls++
		if current != "old-tok" {
			t.Errorf("refresh received %q, want old-tok", current)
		}
		return "new-tok", clock.Now().Add(48 * time.Hour).Unix(), nil
	}
	m := newTestSession(t, clock, WithRefreshFunc(refresh), WithRefreshWindow(24*time.Hour))

	// Expiry well outside the window: no refresh.
	if err := m.SetToken("old-tok", clock.Now().Add(72*time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	tok, err := m.ValidToken(context.Background())
	if err != nil || tok != "old-tok" {
		t.Fatalf("outside window: got %q, %v", tok, err)
	}
	if calls != 0 {
		t.Fatalf("refresh must not run outside the window, got %d calls", calls)
	}

	// Move inside the window: refresh runs and the new token is stored.
	clock.Advance(60 * time.Hour)
	tok, err = m.ValidToken(context.Background())
	if err != nil || tok != "new-tok" {
		t.Fatalf("inside window: got %q, %v", tok, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 refresh call, got %d", calls)
	}
	if got, ok := m.CurrentToken(); !ok || got != "new-tok" {
		t.Fatalf("refreshed token not persisted: %q ok=%v", got, ok)
	}
}

func TestValidTokenRefreshFailureKeepsToken(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	refresh := func(ctx context.Context, current string) (string, int64, error) {
		return "", 0, fmt.Errorf("dial tcp: connection refused")
	}
	m := newTestSession(t, clock, WithRefreshFunc(refresh), WithRefreshWindow(24*time.Hour))
	if err := m.SetToken("still-good", clock.Now().Add(12*time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	tok, err := m.ValidToken(context.Background())
	if err != nil {
		t.Fatalf("transient refresh failure must not fail the request: %v", err)
	}
	if tok != "still-good" {
		t.Fatalf("expected the still-valid token, got %q", tok)
	}
}

func TestValidTokenRefreshAuthFailureHardExpires(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	refresh := func(ctx context.Context, current string) (string, int64, error) {
		return "", 0, &HTTPError{Status: 401, Message: "token revoked"}
	}
	m := newTestSession(t, clock, WithRefreshFunc(refresh), WithRefreshWindow(24*time.Hour))
	if err := m.SetToken("revoked", clock.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	notified := false
	m.OnExpired(func() { notified = true })

	if _, err := m.ValidToken(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if !notified {
		t.Error("expiry subscriber not notified")
	}
	if _, ok := m.CurrentToken(); ok {
		t.Error("stored token must be cleared on hard expiry")
	}
}

func TestHardExpirySkipsRefresh(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	calls := 0
	refresh := func(ctx context.Context, current string) (string, int64, error) {
		calls++
		return "zombie", 0, nil
	}
	dir := t.TempDir()
	m, err := NewSessionManager(dir, WithClock(clock.Now), WithRefreshFunc(refresh))
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	if err := m.SetToken("expired", clock.Now().Add(-time.Minute).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	notified := false
	m.OnExpired(func() { notified = true })

	if _, err := m.ValidToken(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if calls != 0 {
		t.Error("a past-expiry token must never be refreshed")
	}
	if !notified {
		t.Error("expiry subscriber not notified")
	}
	if _, err := os.Stat(filepath.Join(dir, "session.toml")); !os.IsNotExist(err) {
		t.Error("session file must be removed on hard expiry")
	}
}

func TestManagedTokenOverride(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestSession(t, clock, WithManagedToken(staticTokenSource("managed-tok")))
	if err := m.SetToken("stored-tok", clock.Now().Add(-time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	// The override wins even over an expired stored token, with no expiry
	// bookkeeping applied to it.
	tok, err := m.ValidToken(context.Background())
	if err != nil || tok != "managed-tok" {
		t.Fatalf("expected managed token, got %q, %v", tok, err)
	}
	if got, _ := m.CurrentToken(); got != "managed-tok" {
		t.Fatalf("CurrentToken must prefer the override, got %q", got)
	}
}

func TestHandleUnauthorized(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestSession(t, clock)
	if err := m.SetToken("tok", clock.Now().Add(24*time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	notified := 0
	m.OnExpired(func() { notified++ })
	m.OnExpired(func() { notified++ })

	m.HandleUnauthorized()

	if notified != 2 {
		t.Fatalf("expected both subscribers notified, got %d", notified)
	}
	if _, ok := m.CurrentToken(); ok {
		t.Fatal("stored token must be cleared")
	}
}
