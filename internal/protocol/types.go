// Package protocol implements the HTTP contract with the dialogue backend.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ashureev/chatbubble/internal/domain"
)

// FormField is one name/value pair of a turn request, in send order.
type FormField struct {
	Name  string
	Value string
}

// Request field names added to every turn.
const (
	FieldSender      = "sender"
	FieldAccessToken = "access_token"
	FieldMessage     = "message"
)

// Reply is the bot's answer to a turn, found under "custom" in the response.
type Reply struct {
	Message      string             `json:"message"`
	Button       *domain.QuickReply `json:"button,omitempty"`
	Form         *domain.FormSchema `json:"form,omitempty"`
	AccessToken  string             `json:"access_token,omitempty"`
	RefreshToken string             `json:"refresh_token,omitempty"`
	ExpiresIn    ExpiresIn          `json:"expires_in,omitempty"`
	HTML         string             `json:"html,omitempty"`
	Redirect     string             `json:"redirect,omitempty"`
}

// Credentials returns the tokens carried by the reply. ok is false unless
// both the access and the refresh token are present.
func (r *Reply) Credentials() (domain.Credentials, bool) {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return domain.Credentials{}, false
	}
	return domain.Credentials{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}, true
}

type turnEnvelope struct {
	Custom *Reply `json:"custom"`
}

type errorEnvelope struct {
	Message string `json:"message"`
}

type notifyRequest struct {
	Sender string `json:"sender"`
}

// ExpiresIn is a token lifetime in seconds. Backends send it either as a
// JSON number or as a numeric string.
type ExpiresIn int64

// UnmarshalJSON accepts 3600, 3600.0, "3600" and null.
func (e *ExpiresIn) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*e = 0
			return nil
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*e = ExpiresIn(int64(f))
	return nil
}
