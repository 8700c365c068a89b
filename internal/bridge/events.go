package bridge

import (
	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/widget"
)

// Outbound event types.
const (
	EventTurn       = "turn"
	EventForm       = "form"
	EventVisibility = "visibility"
	EventScroll     = "scroll"
	EventProcessing = "processing"
	EventFocus      = "focus"
	EventNavigate   = "navigate"
	EventLogin      = "login"
	EventReset      = "reset"
	EventError      = "error"
	EventPong       = "pong"
)

// Inbound message types.
const (
	msgSubmit     = "submit"
	msgQuickReply = "quick_reply"
	msgToggle     = "toggle"
	msgPing       = "ping"
)

// Event is pushed to the browser. Value depends on Type: a domain.Turn for
// turn, a domain.FormSchema for form, a bool for visibility and processing,
// a URL for navigate, a LoginPayload for login and a message for error.
type Event struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// LoginPayload lets the host page sync its own auth state.
type LoginPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// inboundMessage is sent by the browser.
type inboundMessage struct {
	Type   string            `json:"type"`
	Values map[string]string `json:"values,omitempty"`
	Action string            `json:"action,omitempty"`
}

// socketView turns engine render calls into events for one connection.
type socketView struct {
	c *client
}

func (v socketView) RenderTurn(turn domain.Turn) {
	v.c.enqueue(Event{Type: EventTurn, Value: turn})
}

func (v socketView) SetFormSchema(schema domain.FormSchema) {
	v.c.enqueue(Event{Type: EventForm, Value: schema})
}

func (v socketView) SetVisibility(open bool) {
	v.c.enqueue(Event{Type: EventVisibility, Value: open})
}

func (v socketView) ScrollToEnd() { v.c.enqueue(Event{Type: EventScroll}) }
func (v socketView) FocusInput()  { v.c.enqueue(Event{Type: EventFocus}) }

func (v socketView) SetProcessing(processing bool) {
	v.c.enqueue(Event{Type: EventProcessing, Value: processing})
}

func (v socketView) Navigate(url string) {
	v.c.enqueue(Event{Type: EventNavigate, Value: url})
}

var _ widget.View = socketView{}
