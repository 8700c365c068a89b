package domain

// QuickReply is a one-click reply offered by the bot.
// Selecting it resubmits Action as if it were typed.
type QuickReply struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

// Turn is one entry of the conversation transcript.
type Turn struct {
	Text   string      `json:"message,omitempty"`
	HTML   string      `json:"html,omitempty"`
	IsBot  bool        `json:"isBot"`
	Button *QuickReply `json:"button,omitempty"`
}

// IsEmpty returns true if the turn has nothing to render.
func (t Turn) IsEmpty() bool {
	return t.Text == "" && t.HTML == ""
}

// BotText returns a plain bot turn.
func BotText(text string) Turn {
	return Turn{Text: text, IsBot: true}
}

// UserText returns a plain visitor turn.
func UserText(text string) Turn {
	return Turn{Text: text}
}
