// Package auth manages the Nest cloud credential: the Google OAuth token
// pair plus the Nest session JWT exchanged from it. The TokenManager is the
// single owner of the credential; everything else reads it through Token.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Google OAuth endpoints and the Nest JWT proxy. The per-environment part is
// the device API host only.
const (
	authorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL     = "https://oauth2.googleapis.com/token"
	issueJWTURL  = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"

	oauthScope = "https://www.googleapis.com/auth/userinfo.email"

	// defaultJWTTTL is assumed when the session JWT carries no exp claim.
	defaultJWTTTL = 30 * time.Minute
)

// Environment selects the Nest host set.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvFieldTest  Environment = "fieldtest"
)

// APIHost returns the device API base URL for the environment.
func (e Environment) APIHost() string {
	if e == EnvFieldTest {
		return "https://home.ft.nest.com"
	}
	return "https://home.nest.com"
}

// Credential is the full authenticated session: the Google token pair and the
// Nest JWT derived from it. The JWT is what device API calls carry.
type Credential struct {
	JWT          string      `json:"jwt"`
	UserID       string      `json:"user_id"`
	Email        string      `json:"email"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Environment  Environment `json:"environment"`
}

// Valid reports whether the JWT is usable for at least the given margin.
func (c Credential) Valid(margin time.Duration) bool {
	return c.JWT != "" && time.Now().Add(margin).Before(c.ExpiresAt)
}

// Client talks to the Google OAuth endpoints and the Nest JWT proxy.
type Client struct {
	httpc        *http.Client
	authorizeURL string
	tokenURL     string
	jwtURL       string
	clientID     string
	clientSecret string
	env          Environment
	log          *slog.Logger
}

// ClientConfig configures an auth Client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	Environment  Environment
	// Timeout bounds every auth HTTP call, distinct from the stream idle
	// timeout so a hung auth endpoint cannot stall reconnection.
	Timeout time.Duration

	// Endpoint overrides for tests. Empty means the real Google hosts.
	AuthorizeURL string
	TokenURL     string
	JWTURL       string
}

// NewClient creates an auth client.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	c := &Client{
		httpc:        &http.Client{Timeout: cfg.Timeout},
		authorizeURL: cfg.AuthorizeURL,
		tokenURL:     cfg.TokenURL,
		jwtURL:       cfg.JWTURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		env:          cfg.Environment,
		log:          log,
	}
	if c.authorizeURL == "" {
		c.authorizeURL = authorizeURL
	}
	if c.tokenURL == "" {
		c.tokenURL = tokenURL
	}
	if c.jwtURL == "" {
		c.jwtURL = issueJWTURL
	}
	if c.httpc.Timeout == 0 {
		c.httpc.Timeout = 30 * time.Second
	}
	return c
}

// Environment returns the environment this client authenticates for.
func (c *Client) Environment() Environment {
	return c.env
}

// AuthorizeURL returns the Google consent URL the user visits to obtain an
// authorization code.
func (c *Client) AuthorizeURL(redirectURI string) string {
	q := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {oauthScope},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return c.authorizeURL + "?" + q.Encode()
}

// ExchangeCode performs the authorization-code grant and the JWT exchange,
// returning a complete credential.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (Credential, error) {
	tok, err := c.requestToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {redirectURI},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("auth: exchange code: %w", err)
	}
	return c.issueJWT(ctx, tok)
}

// Refresh performs the refresh-token grant and the JWT exchange. The refresh
// token is carried over when the token endpoint does not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	tok, err := c.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("auth: refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return c.issueJWT(ctx, tok)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseOAuthError(resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tok, nil
}

type jwtResponse struct {
	JWT    string `json:"jwt"`
	User   string `json:"user"`
	UserID string `json:"userid"`
	Email  string `json:"email"`
}

// issueJWT exchanges a Google access token for the Nest session JWT. A 4xx
// here is the restricted-account condition and is terminal.
func (c *Client) issueJWT(ctx context.Context, tok *tokenResponse) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jwtURL, strings.NewReader("{}"))
	if err != nil {
		return Credential{}, fmt.Errorf("auth: issue jwt: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: issue jwt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: issue jwt: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := parseOAuthError(resp.StatusCode, body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Credential{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		return Credential{}, fmt.Errorf("auth: issue jwt: %w", err)
	}

	var jr jwtResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return Credential{}, fmt.Errorf("auth: decode jwt response: %w", err)
	}
	if jr.JWT == "" {
		return Credential{}, fmt.Errorf("auth: jwt response missing token")
	}

	cred := Credential{
		JWT:          jr.JWT,
		UserID:       jr.UserID,
		Email:        jr.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    jwtExpiry(jr.JWT),
		Environment:  c.env,
	}
	return cred, nil
}

// jwtExpiry reads the exp claim from the session JWT without verification;
// we hold the token, we do not validate its signature.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(defaultJWTTTL)
}

func parseOAuthError(status int, body []byte) error {
	var oe OAuthError
	if err := json.Unmarshal(body, &oe); err == nil && oe.Code != "" {
		oe.Status = status
		return &oe
	}
	return &OAuthError{Status: status, Code: "server_error", Description: http.StatusText(status)}
}
