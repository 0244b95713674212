package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// refreshMargin is how long before JWT expiry a refresh is triggered, so the
// returned token is always valid for at least this window.
const refreshMargin = 2 * time.Minute

// TokenStore persists credentials across restarts, keyed by config entry.
type TokenStore interface {
	Load(ctx context.Context, entryID string) (Credential, bool, error)
	Save(ctx context.Context, entryID string, cred Credential) error
	Delete(ctx context.Context, entryID string) error
}

// TokenManager owns the credential for one config entry. Token hands out a
// credential guaranteed valid for the refresh margin, refreshing first when
// needed. At most one refresh is in flight; concurrent callers share its
// result via the write lock.
type TokenManager struct {
	client  *Client
	store   TokenStore // may be nil
	entryID string
	log     *slog.Logger

	mu   sync.RWMutex
	cred Credential
}

// NewTokenManager creates a token manager. store may be nil when persistence
// is disabled.
func NewTokenManager(client *Client, store TokenStore, entryID string, log *slog.Logger) *TokenManager {
	return &TokenManager{
		client:  client,
		store:   store,
		entryID: entryID,
		log:     log,
	}
}

// Load restores a persisted credential, falling back to seeding from the
// given refresh token. Returns ErrNoCredential when neither is available;
// the daemon then starts parked in the auth-required state.
func (m *TokenManager) Load(ctx context.Context, seedRefreshToken string) error {
	if m.store != nil {
		cred, ok, err := m.store.Load(ctx, m.entryID)
		if err != nil {
			return fmt.Errorf("auth: load credential: %w", err)
		}
		if ok {
			m.mu.Lock()
			m.cred = cred
			m.mu.Unlock()
			m.log.Info("restored persisted credential", "entry_id", m.entryID, "user_id", cred.UserID)
			return nil
		}
	}
	if seedRefreshToken != "" {
		m.mu.Lock()
		m.cred = Credential{RefreshToken: seedRefreshToken, Environment: m.client.Environment()}
		m.mu.Unlock()
		m.log.Info("seeded credential from configured refresh token", "entry_id", m.entryID)
		return nil
	}
	return ErrNoCredential
}

// Token returns a credential valid for at least the refresh margin.
func (m *TokenManager) Token(ctx context.Context) (Credential, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred.Valid(refreshMargin) {
		return cred, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh refreshes unconditionally, discarding the current JWT. Used
// by the transport's retry-once rule after an auth rejection.
func (m *TokenManager) ForceRefresh(ctx context.Context) (Credential, error) {
	return m.refresh(ctx, true)
}

func (m *TokenManager) refresh(ctx context.Context, force bool) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !force && m.cred.Valid(refreshMargin) {
		return m.cred, nil
	}

	if m.cred.RefreshToken == "" {
		if m.cred.JWT == "" {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, fmt.Errorf("%w: no refresh token", ErrAuthExpired)
	}

	cred, err := m.client.Refresh(ctx, m.cred.RefreshToken)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) && oe.Terminal() {
			// Revoked or expired refresh token: destroy the credential and
			// surface the terminal condition.
			m.cred = Credential{}
			m.deleteLocked(ctx)
			return Credential{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		if errors.Is(err, ErrAuthExpired) {
			m.cred = Credential{}
			m.deleteLocked(ctx)
			return Credential{}, err
		}
		return Credential{}, err
	}

	m.cred = cred
	m.persistLocked(ctx)
	m.log.Info("credential refreshed", "entry_id", m.entryID, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// SetCredential installs a credential obtained out of band (re-auth code
// exchange) and persists it.
func (m *TokenManager) SetCredential(ctx context.Context, cred Credential) {
	m.mu.Lock()
	m.cred = cred
	m.persistLocked(ctx)
	m.mu.Unlock()
	m.log.Info("credential installed", "entry_id", m.entryID, "user_id", cred.UserID)
}

// Clear destroys the credential, e.g. on revocation.
func (m *TokenManager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.cred = Credential{}
	m.deleteLocked(ctx)
	m.mu.Unlock()
}

// UserID returns the user ID of the current credential, if any.
func (m *TokenManager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.UserID
}

// Persistence failures degrade to warnings; the in-memory credential stays
// authoritative.
func (m *TokenManager) persistLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, m.entryID, m.cred); err != nil {
		m.log.Warn("failed to persist credential", "entry_id", m.entryID, "error", err)
	}
}

func (m *TokenManager) deleteLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, m.entryID); err != nil {
		m.log.Warn("failed to delete persisted credential", "entry_id", m.entryID, "error", err)
	}
}
