// Package widget implements the conversation session engine of the chat
// widget: turn-taking with the dialogue backend, the server-driven input
// form, the persisted transcript and the visitor's credentials.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/identity"
	"github.com/ashureev/chatbubble/internal/profile"
	"github.com/ashureev/chatbubble/internal/protocol"
	"github.com/ashureev/chatbubble/internal/store"
)

var (
	// ErrBusy is returned when a turn is submitted while another is in flight.
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyField is returned when a form field has no value.
	ErrEmptyField = errors.New("form has an empty field")
	// ErrNotStarted is returned when a turn is submitted before Start.
	ErrNotStarted = errors.New("widget not started")
	// ErrClosed is returned by an engine after Close.
	ErrClosed = errors.New("widget closed")
	// ErrIncompleteCredentials is returned when a login lacks either token.
	ErrIncompleteCredentials = errors.New("access and refresh token are both required")
)

const defaultNotifyTimeout = 10 * time.Second

// Backend is the dialogue backend as seen by the engine.
type Backend interface {
	PostTurn(ctx context.Context, url string, fields []protocol.FormField) (*protocol.Reply, error)
	Notify(ctx context.Context, url, sender string) error
}

var _ Backend = (*protocol.Client)(nil)

// Options configures an Engine.
type Options struct {
	// Endpoint is the backend base URL without a trailing slash.
	Endpoint      string
	StartOpen     bool
	Profile       profile.Profile
	LoginListener LoginListener
	NotifyTimeout time.Duration
	// TurnTimeout bounds a turn request; 0 leaves it unbounded.
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// Engine is one visitor's widget session. All methods are safe for
// concurrent use; state changes are serialized and pushed to the View in
// order.
type Engine struct {
	opts    Options
	kv      store.Store
	view    *viewSet
	backend Backend
	logger  *slog.Logger

	mu         sync.Mutex
	sessionID  string
	isOpen     bool
	started    bool
	closed     bool
	processing bool
	transcript *transcript
	form       *form
	tokens     *tokens

	notifications sync.WaitGroup
}

// State is a point-in-time copy of the engine's session.
type State struct {
	SessionID     string            `json:"session_id"`
	IsOpen        bool              `json:"is_open"`
	Processing    bool              `json:"processing"`
	Authenticated bool              `json:"authenticated"`
	Transcript    []domain.Turn     `json:"transcript"`
	Form          domain.FormSchema `json:"form"`
	SubmitURL     string            `json:"submit_url"`
}

// New loads the visitor's session from kv. Storage failures degrade to
// in-memory defaults and are only logged.
func New(ctx context.Context, opts Options, kv store.Store, view View, backend Backend) (*Engine, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if view == nil {
		view = NopView{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}

	sessionID := identity.GetOrCreateSessionID(ctx, kv)
	logger := opts.Logger.With("session_id", sessionID)

	return &Engine{
		opts:       opts,
		kv:         kv,
		view:       newViewSet(view),
		backend:    backend,
		logger:     logger,
		sessionID:  sessionID,
		isOpen:     opts.StartOpen,
		transcript: loadTranscript(ctx, kv, opts.Profile.Greeting, logger),
		form:       newForm(opts.Endpoint, opts.Profile.DefaultForm),
		tokens:     loadTokens(ctx, kv, logger),
	}, nil
}

// Start renders the initial state: panel visibility, the replayed
// transcript (or the greeting) and the input form.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = true
	e.renderLocked(e.view)
	e.logger.Info("Widget started", "turns", len(e.transcript.turns), "open", e.isOpen)
}

// Replay renders the full current state to v. It lets an additional view
// (a new browser tab) catch up without touching the engine's own view.
func (e *Engine) Replay(v View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderLocked(v)
}

// Attach replays the current state to v and keeps it updated alongside the
// engine's own view until detach is called.
func (e *Engine) Attach(v View) (detach func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.renderLocked(v)
	a := &attachment{View: v}
	e.view.attached[a] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.view.attached, a)
		})
	}
}

func (e *Engine) renderLocked(v View) {
	v.SetVisibility(e.isOpen)
	e.transcript.replay(v)
	v.SetFormSchema(e.form.current())
	v.SetProcessing(e.processing)
}

// Toggle opens or closes the panel.
func (e *Engine) Toggle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.isOpen = !e.isOpen
	e.view.SetVisibility(e.isOpen)
	e.view.ScrollToEnd()
	return e.isOpen
}

// turn is a request snapshot taken under the lock.
type turn struct {
	url    string
	fields []protocol.FormField
	echo   string
}

// Submit sends the active form with values typed by the visitor.
// It returns ErrBusy while another turn is in flight and ErrEmptyField when
// any field is empty; neither issues a request. A failed exchange is
// rendered as a bot message and returned.
func (e *Engine) Submit(ctx context.Context, values map[string]string) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.form.fill(values)
	if !e.form.validateNonEmpty() {
		e.mu.Unlock()
		return ErrEmptyField
	}
	t := e.beginLocked(e.form.requestFields(), e.form.echo())
	e.mu.Unlock()

	return e.exchange(ctx, t)
}

// SubmitText types text into the first field and submits the form.
func (e *Engine) SubmitText(ctx context.Context, text string) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.form.fillPrimary(text)
	if !e.form.validateNonEmpty() {
		e.mu.Unlock()
		return ErrEmptyField
	}
	t := e.beginLocked(e.form.requestFields(), e.form.echo())
	e.mu.Unlock()

	return e.exchange(ctx, t)
}

// SelectQuickReply resubmits a bot button's action as if it were typed.
// The active form is not validated or sent.
func (e *Engine) SelectQuickReply(ctx context.Context, action string) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if action == "" {
		e.mu.Unlock()
		return ErrEmptyField
	}
	fields := []protocol.FormField{{Name: protocol.FieldMessage, Value: action}}
	t := e.beginLocked(fields, action)
	e.mu.Unlock()

	return e.exchange(ctx, t)
}

func (e *Engine) readyLocked() error {
	if e.closed {
		return ErrClosed
	}
	if !e.started {
		return ErrNotStarted
	}
	if e.processing {
		return ErrBusy
	}
	return nil
}

// beginLocked takes the single-flight gate and snapshots the request.
func (e *Engine) beginLocked(fields []protocol.FormField, echo string) turn {
	e.processing = true
	e.view.SetProcessing(true)

	fields = append(fields, protocol.FormField{Name: protocol.FieldSender, Value: e.sessionID})
	if token := e.tokens.accessToken(); token != "" {
		fields = append(fields, protocol.FormField{Name: protocol.FieldAccessToken, Value: token})
	}
	return turn{url: e.form.url, fields: fields, echo: echo}
}

func (e *Engine) exchange(ctx context.Context, t turn) (err error) {
	var (
		login    func()
		redirect string
	)
	defer func() {
		e.finishTurn(redirect)
		if login != nil {
			login()
		}
	}()

	reqCtx := ctx
	if e.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, e.opts.TurnTimeout)
		defer cancel()
	}

	e.logger.Debug("Sending turn", "url", t.url, "fields", len(t.fields))
	reply, err := e.backend.PostTurn(reqCtx, t.url, t.fields)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		e.logger.Info("Dropping reply of a closed session", "url", t.url)
		if err == nil {
			err = ErrClosed
		}
		return fmt.Errorf("submit turn: %w", err)
	case err != nil:
		e.logger.Warn("Turn failed", "url", t.url, "error", err)
		e.view.RenderTurn(domain.BotText(protocol.DisplayMessage(err, e.opts.Profile.UnknownError)))
		return fmt.Errorf("submit turn: %w", err)
	}

	login = e.applyReplyLocked(ctx, t.echo, reply)
	redirect = reply.Redirect
	return nil
}

// finishTurn releases the single-flight gate and hands the input back to the
// visitor. It runs even when the exchange panics.
func (e *Engine) finishTurn(redirect string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.processing = false
	e.view.SetProcessing(false)
	e.view.ScrollToEnd()
	e.view.FocusInput()
	if redirect != "" {
		e.logger.Info("Redirecting host page", "url", redirect)
		e.view.Navigate(redirect)
	}
}

// applyReplyLocked records a successful exchange. The returned func, when
// non-nil, invokes the login listener and must run after the lock is released.
func (e *Engine) applyReplyLocked(ctx context.Context, echo string, reply *protocol.Reply) func() {
	turns := make([]domain.Turn, 0, 3)
	if echo != "" {
		turns = append(turns, domain.UserText(echo))
	}
	turns = append(turns, domain.Turn{Text: reply.Message, IsBot: true, Button: reply.Button})
	if reply.HTML != "" {
		turns = append(turns, domain.Turn{HTML: reply.HTML, IsBot: true})
	}
	for _, entry := range turns {
		e.view.RenderTurn(entry)
	}
	e.transcript.append(ctx, turns...)

	var login func()
	if creds, ok := reply.Credentials(); ok {
		e.tokens.save(ctx, creds)
		e.logger.Info("Credentials received from turn response")
		login = e.loginCallback(creds, int64(reply.ExpiresIn))
	} else if reply.AccessToken != "" {
		e.logger.Warn("Discarding access token sent without refresh token")
	}

	e.applySchemaLocked(reply.Form)
	return login
}

// applySchemaLocked replaces the form with schema, or the default form when
// schema is nil or unusable.
func (e *Engine) applySchemaLocked(schema *domain.FormSchema) {
	next := e.opts.Profile.DefaultForm
	if schema != nil {
		if err := schema.Validate(); err != nil {
			e.logger.Warn("Ignoring invalid form from server, restoring default", "error", err)
		} else {
			next = *schema
		}
	}
	e.form.apply(next)
	e.view.SetFormSchema(e.form.current())
}

func (e *Engine) loginCallback(creds domain.Credentials, expiresIn int64) func() {
	if e.opts.LoginListener == nil {
		return nil
	}
	listener := e.opts.LoginListener
	return func() { listener(creds.AccessToken, creds.RefreshToken, expiresIn) }
}

// SessionID returns the visitor's correlation id.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Session returns a copy of the session as the engine currently sees it.
func (e *Engine) Session() domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Session{
		SessionID:    e.sessionID,
		History:      e.transcript.snapshot(),
		IsOpen:       e.isOpen,
		AccessToken:  e.tokens.creds.AccessToken,
		RefreshToken: e.tokens.creds.RefreshToken,
	}
}

// State returns a snapshot suitable for serialization.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		SessionID:     e.sessionID,
		IsOpen:        e.isOpen,
		Processing:    e.processing,
		Authenticated: !e.tokens.creds.IsZero(),
		Transcript:    e.transcript.snapshot(),
		Form:          e.form.current(),
		SubmitURL:     e.form.url,
	}
}

// Transcript returns the conversation so far.
func (e *Engine) Transcript() []domain.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.snapshot()
}

// Form returns the active schema with the values currently typed in.
func (e *Engine) Form() domain.FormSchema {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.form.current()
}

// Credentials returns the cached credentials.
func (e *Engine) Credentials() domain.Credentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.creds
}

// Processing reports whether a turn is in flight.
func (e *Engine) Processing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// Wait blocks until outstanding login/logout notifications finish.
func (e *Engine) Wait() {
	e.notifications.Wait()
}

// Close stops the engine from writing to its store. A turn still in flight
// completes its request but its reply is dropped, so the namespace can be
// deleted safely once Close returns. Later submissions and logins return
// ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.notifications.Wait()
	e.logger.Debug("Widget closed")
}
