package domain

import "time"

// AuthCode represents an OAuth 2.1 authorization code.
type AuthCode struct {
	Code        string    `json:"code"`         // Opaque authorization code
	ClientID    string    `json:"client_id"`    // Client application ID
	UserID      string    `json:"user_id"`      // Bound after consent approval
	RedirectURI string    `json:"redirect_uri"` // Client's callback URL
	Scope       string    `json:"scope"`        // Requested scopes
	State       string    `json:"state,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"` // Whether consent approved the code
	CreatedAt   time.Time `json:"created_at"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
