package conduit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	// DefaultTokenTTL is assigned when a stored token has no recorded
	// expiry. The gateway's own expiry still wins via the 401 path.
	DefaultTokenTTL = 30 * 24 * time.Hour
	// DefaultRefreshWindow is the trailing interval before expiry during
	// which a refresh is opportunistically attempted.
	DefaultRefreshWindow = 7 * 24 * time.Hour
)

// TokenSource supplies a managed, enterprise-injected token that takes
// precedence over the local store. It is read-only: managed tokens are
// never persisted and never cleared by a hard expiry.
type TokenSource interface {
	Token() (string, bool)
}

// EnvTokenSource reads a managed token from an environment variable.
type EnvTokenSource struct {
	Key string
}

func (e EnvTokenSource) Token() (string, bool) {
	v := os.Getenv(e.Key)
	return v, v != ""
}

// RefreshFunc exchanges the current token for a fresh one. expiresAt is
// epoch seconds; zero means the gateway did not state one.
type RefreshFunc func(ctx context.Context, current string) (token string, expiresAt int64, err error)

// storedSession is the on-disk session record: two scalars in a 0600 file.
type storedSession struct {
	Token     string `toml:"token"`
	ExpiresAt int64  `toml:"expires_at"`
}

// SessionManager resolves, refreshes, and invalidates the device's bearer
// token. It gates every network call made by the sync components and the
// UI layer. All mutations are serialized through one mutex.
type SessionManager struct {
	mu            sync.Mutex
	path          string
	override      TokenSource
	ttl           time.Duration
	refreshWindow time.Duration
	refreshFn     RefreshFunc
	now           func() time.Time
	onExpired     []func()
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithManagedToken installs a higher-priority managed token source.
func WithManagedToken(src TokenSource) SessionOption {
	return func(m *SessionManager) { m.override = src }
}

// WithRefreshFunc sets the refresh call. NewClient installs its own
// Refresh automatically when none is set.
func WithRefreshFunc(fn RefreshFunc) SessionOption {
	return func(m *SessionManager) { m.refreshFn = fn }
}

// WithDefaultTTL overrides the TTL assigned to tokens with no recorded expiry.
func WithDefaultTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRefreshWindow overrides the refresh-ahead window.
func WithRefreshWindow(w time.Duration) SessionOption {
	return func(m *SessionManager) {
		if w > 0 {
			m.refreshWindow = w
		}
	}
}

// WithClock overrides the time source. Tests use this to move the clock.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager creates a manager persisting its session under dir.
func NewSessionManager(dir string, opts ...SessionOption) (*SessionManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	m := &SessionManager{
		path:          filepath.Join(dir, "session.toml"),
		ttl:           DefaultTokenTTL,
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CurrentToken returns the token that would be used right now, without
// side effects: managed override first, then the local store.
func (m *SessionManager) CurrentToken() (string, bool) {
	if m.override != nil {
		if tok, ok := m.override.Token(); ok {
			return tok, true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.loadLocked()
	return s.Token, s.Token != ""
}

// SetToken stores a token. expiresAt is epoch seconds; pass zero to let
// the default TTL be assigned on first read.
func (m *SessionManager) SetToken(token string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(storedSession{Token: token, ExpiresAt: expiresAt})
}

// OnExpired subscribes to the process-wide "session expired" signal emitted
// by a hard expiry, so the UI can redirect to login.
func (m *SessionManager) OnExpired(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = append(m.onExpired, fn)
}

// ValidToken returns a token good for an authenticated request.
//
// Past-expiry tokens are hard-expired without a refresh attempt: stored
// credentials are cleared and subscribers notified. Within the refresh
// window a refresh is attempted; only an authorization failure there
// hard-expires — any other failure keeps the still-valid current token,
// since a best-effort refresh must not block an otherwise valid request.
func (m *SessionManager) ValidToken(ctx context.Context) (string, error) {
	if m.override != nil {
		if tok, ok := m.override.Token(); ok {
			return tok, nil
		}
	}

	m.mu.Lock()
	s := m.loadLocked()
	if s.Token == "" {
		m.mu.Unlock()
		return "", ErrNoToken
	}
	if s.ExpiresAt == 0 {
		s.ExpiresAt = m.now().Add(m.ttl).Unix()
		_ = m.saveLocked(s)
	}

	now := m.now()
	if now.Unix() >= s.ExpiresAt {
		m.hardExpireLocked()
		return "", ErrAuthExpired
	}

	expiry := time.Unix(s.ExpiresAt, 0)
	if m.refreshFn == nil || expiry.Sub(now) > m.refreshWindow {
		m.mu.Unlock()
		return s.Token, nil
	}

	// Refresh ahead of expiry. The lock is held across the call so
	// concurrent callers do not stampede the refresh endpoint.
	newTok, newExp, err := m.refreshFn(ctx, s.Token)
	if err != nil {
		if isAuthErr(err) {
			m.hardExpireLocked()
			return "", ErrAuthExpired
		}
		m.mu.Unlock()
		return s.Token, nil
	}
	if newExp == 0 {
		newExp = m.now().Add(m.ttl).Unix()
	}
	_ = m.saveLocked(storedSession{Token: newTok, ExpiresAt: newExp})
	m.mu.Unlock()
	return newTok, nil
}

// HandleUnauthorized hard-expires after an authenticated request received a
// 401, regardless of the locally computed expiry. The server is the source
// of truth for revocation.
func (m *SessionManager) HandleUnauthorized() {
	m.mu.Lock()
	m.hardExpireLocked()
}

// hardExpireLocked clears stored credentials and notifies subscribers.
// It releases the mutex: the expiry callbacks run outside it.
func (m *SessionManager) hardExpireLocked() {
	_ = os.Remove(m.path)
	subs := append([]func(){}, m.onExpired...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (m *SessionManager) loadLocked() storedSession {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return storedSession{}
	}
	var s storedSession
	if err := toml.Unmarshal(data, &s); err != nil {
		return storedSession{}
	}
	return s
}

func (m *SessionManager) saveLocked(s storedSession) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return &DecodeError{Source: m.path, Err: err}
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return &StorageError{Op: "write", Path: m.path, Err: err}
	}
	return nil
}
