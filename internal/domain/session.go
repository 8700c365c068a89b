// Package domain contains core domain types for the chat widget.
package domain

// Session is the persisted state of one visitor's widget.
type Session struct {
	SessionID    string
	History      []Turn
	IsOpen       bool
	AccessToken  string
	RefreshToken string
}

// Credentials holds the visitor's backend tokens.
// Both tokens are stored and cleared together.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero returns true if no access token is present.
func (c Credentials) IsZero() bool {
	return c.AccessToken == ""
}
