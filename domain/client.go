package domain

import "time"

// Client is a registered OAuth client application.
type Client struct {
	ID           string    `json:"client_id"`
	Name         string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}

// AllowsRedirectURI reports whether the given redirect URI is registered for
// the client. Matching is exact; no prefix or wildcard logic.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, v := range c.RedirectURIs {
		if v == uri {
			return true
		}
	}
	return false
}
