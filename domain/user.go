package domain

import "context"

// User is the identity subject minted into bearer tokens. The surrounding
// application owns user records; this subsystem only reads them.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// UserProvider resolves user records from the owning application.
type UserProvider interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
}
