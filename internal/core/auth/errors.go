package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the credential cannot be refreshed and the user
	// must re-authenticate. Callers detect it with errors.Is; it is never
	// retried automatically.
	ErrAuthExpired = errors.New("auth: reauthentication required")

	// ErrNoCredential means no credential has been seeded or persisted yet.
	ErrNoCredential = errors.New("auth: no credential available")
)

// OAuth2 error codes per RFC 6749 that matter to this client.
const (
	errorCodeInvalidRequest     = "invalid_request"
	errorCodeInvalidClient      = "invalid_client"
	errorCodeInvalidGrant       = "invalid_grant"
	errorCodeUnauthorizedClient = "unauthorized_client"
	errorCodeAccessDenied       = "access_denied"
)

// OAuthError is an OAuth2 error response per RFC 6749.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("auth: %s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Description)
}

// Terminal reports whether the error is a credential-class rejection that
// requires user re-authentication rather than a retry.
func (e *OAuthError) Terminal() bool {
	switch e.Code {
	case errorCodeInvalidGrant, errorCodeInvalidClient, errorCodeUnauthorizedClient, errorCodeAccessDenied:
		return true
	}
	return false
}
