package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// makeJWT builds an unsigned three-part JWT carrying only an exp claim.
func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]any{"alg": "none", "typ": "JWT"})
	claims := enc(map[string]any{"exp": exp.Unix()})
	return header + "." + claims + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

type authServer struct {
	tokenCalls int32
	jwtCalls   int32

	tokenStatus int
	tokenBody   string
	jwtStatus   int
	jwt         string

	*httptest.Server
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{
		tokenStatus: http.StatusOK,
		jwtStatus:   http.StatusOK,
		jwt:         makeJWT(t, time.Now().Add(time.Hour)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.tokenCalls, 1)
		require.NoError(t, r.ParseForm())

		if s.tokenStatus != http.StatusOK {
			w.WriteHeader(s.tokenStatus)
			fmt.Fprint(w, s.tokenBody)
			return
		}
		resp := map[string]any{
			"access_token": "access-" + r.Form.Get("grant_type"),
			"expires_in":   3600,
		}
		if r.Form.Get("grant_type") == "authorization_code" {
			resp["refresh_token"] = "refresh-1"
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/issue_jwt", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.jwtCalls, 1)
		if s.jwtStatus != http.StatusOK {
			w.WriteHeader(s.jwtStatus)
			fmt.Fprint(w, `{"error":"forbidden","error_description":"account restricted"}`)
			return
		}
		require.Equal(t, "Bearer access-refresh_token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"jwt":    s.jwt,
			"userid": "user-1",
			"email":  "someone@example.com",
		})
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestClient(s *authServer) *Client {
	return NewClient(ClientConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		Environment:  EnvProduction,
		TokenURL:     s.URL + "/token",
		JWTURL:       s.URL + "/issue_jwt",
	}, slog.Default())
}

func TestRefresh_IssuesJWT(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	c := newTestClient(s)

	cred, err := c.Refresh(context.Background(), "refresh-0")
	require.NoError(t, err)
	require.Equal(t, "user-1", cred.UserID)
	require.Equal(t, s.jwt, cred.JWT)
	// The token endpoint did not rotate the refresh token; the old one carries over.
	require.Equal(t, "refresh-0", cred.RefreshToken)
	require.True(t, cred.Valid(refreshMargin))
}

func TestRefresh_InvalidGrantIsTerminal(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	s.tokenStatus = http.StatusBadRequest
	s.tokenBody = `{"error":"invalid_grant","error_description":"Token has been revoked."}`
	c := newTestClient(s)

	_, err := c.Refresh(context.Background(), "revoked")
	var oe *OAuthError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "invalid_grant", oe.Code)
	require.True(t, oe.Terminal())
}

func TestIssueJWT_RestrictedAccount(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	s.jwtStatus = http.StatusForbidden
	c := newTestClient(s)

	_, err := c.Refresh(context.Background(), "refresh-0")
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestJWTExpiry_FallbackWithoutExpClaim(t *testing.T) {
	t.Parallel()

	exp := jwtExpiry("not-a-jwt")
	require.WithinDuration(t, time.Now().Add(defaultJWTTTL), exp, time.Minute)
}

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{ClientID: "cid"}, slog.Default())
	u := c.AuthorizeURL("https://example.com/callback")
	require.Contains(t, u, "client_id=cid")
	require.Contains(t, u, "access_type=offline")
	require.Contains(t, u, "prompt=consent")
}

// --- TokenManager ---

type fakeStore struct {
	mu      sync.Mutex
	creds   map[string]Credential
	saves   int
	deletes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{creds: make(map[string]Credential)}
}

func (f *fakeStore) Load(_ context.Context, entryID string) (Credential, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[entryID]
	return cred, ok, nil
}

func (f *fakeStore) Save(_ context.Context, entryID string, cred Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[entryID] = cred
	f.saves++
	return nil
}

func (f *fakeStore) Delete(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creds, entryID)
	f.deletes++
	return nil
}

func TestTokenManager_LoadPrefersPersisted(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	store := newFakeStore()
	store.creds["entry"] = Credential{
		JWT:          makeJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "persisted",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	m := NewTokenManager(newTestClient(s), store, "entry", slog.Default())
	require.NoError(t, m.Load(context.Background(), "seed"))

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "persisted", cred.RefreshToken)
	require.Zero(t, atomic.LoadInt32(&s.tokenCalls), "a valid persisted credential needs no refresh")
}

func TestTokenManager_LoadSeedsFromRefreshToken(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	m := NewTokenManager(newTestClient(s), nil, "entry", slog.Default())
	require.NoError(t, m.Load(context.Background(), "seed"))

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", cred.UserID)
	require.Equal(t, int32(1), atomic.LoadInt32(&s.tokenCalls))
}

func TestTokenManager_LoadWithoutCredential(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	m := NewTokenManager(newTestClient(s), nil, "entry", slog.Default())
	require.ErrorIs(t, m.Load(context.Background(), ""), ErrNoCredential)
}

func TestTokenManager_SingleFlightRefresh(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	m := NewTokenManager(newTestClient(s), nil, "entry", slog.Default())
	require.NoError(t, m.Load(context.Background(), "seed"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&s.tokenCalls), "concurrent callers must share one refresh")
}

func TestTokenManager_RefreshWhenExpiring(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	store := newFakeStore()
	store.creds["entry"] = Credential{
		JWT:          makeJWT(t, time.Now().Add(time.Minute)),
		RefreshToken: "persisted",
		// Inside the refresh margin: Token must refresh first.
		ExpiresAt: time.Now().Add(time.Minute),
	}

	m := NewTokenManager(newTestClient(s), store, "entry", slog.Default())
	require.NoError(t, m.Load(context.Background(), ""))

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&s.tokenCalls))
	require.True(t, cred.Valid(refreshMargin))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.saves, "refreshed credential must be persisted")
}

func TestTokenManager_TerminalRefreshClearsCredential(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	s.tokenStatus = http.StatusBadRequest
	s.tokenBody = `{"error":"invalid_grant","error_description":"revoked"}`

	store := newFakeStore()
	store.creds["entry"] = Credential{RefreshToken: "revoked"}

	m := NewTokenManager(newTestClient(s), store, "entry", slog.Default())
	require.NoError(t, m.Load(context.Background(), ""))

	_, err := m.Token(context.Background())
	require.ErrorIs(t, err, ErrAuthExpired)

	// The credential is gone in memory and on disk; the next call reports
	// no credential instead of retrying the revoked token.
	_, err = m.Token(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Empty(t, store.creds)
	require.Equal(t, 1, store.deletes)
}

func TestTokenManager_ForceRefreshBypassesValidity(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	m := NewTokenManager(newTestClient(s), nil, "entry", slog.Default())
	m.SetCredential(context.Background(), Credential{
		JWT:          makeJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "seed",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	_, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&s.tokenCalls))
}

func TestTokenManager_SetCredentialPersists(t *testing.T) {
	t.Parallel()

	s := newAuthServer(t)
	store := newFakeStore()
	m := NewTokenManager(newTestClient(s), store, "entry", slog.Default())

	m.SetCredential(context.Background(), Credential{JWT: "jwt", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	require.Equal(t, "u1", m.UserID())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.saves)
}
