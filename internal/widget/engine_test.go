package widget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/profile"
	"github.com/ashureev/chatbubble/internal/protocol"
	"github.com/ashureev/chatbubble/internal/store"
)

const testEndpoint = "http://bot.test/webhook"

// recordingView records everything the engine renders.
type recordingView struct {
	mu         sync.Mutex
	turns      []domain.Turn
	schema     domain.FormSchema
	open       []bool
	processing []bool
	scrolls    int
	focuses    int
	navigated  []string
}

func (v *recordingView) RenderTurn(turn domain.Turn) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.turns = append(v.turns, turn)
}

func (v *recordingView) SetFormSchema(schema domain.FormSchema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schema = schema
}

func (v *recordingView) SetVisibility(open bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = append(v.open, open)
}

func (v *recordingView) ScrollToEnd() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scrolls++
}

func (v *recordingView) SetProcessing(processing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.processing = append(v.processing, processing)
}

func (v *recordingView) FocusInput() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.focuses++
}

func (v *recordingView) Navigate(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.navigated = append(v.navigated, url)
}

func (v *recordingView) renderedTurns() []domain.Turn {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Turn, len(v.turns))
	copy(out, v.turns)
	return out
}

type sentTurn struct {
	url    string
	fields map[string]string
}

type sentNotify struct {
	url    string
	sender string
}

// fakeBackend records requests and answers turns with respond.
type fakeBackend struct {
	mu        sync.Mutex
	turns     []sentTurn
	notifies  []sentNotify
	respond   func(url string, fields map[string]string) (*protocol.Reply, error)
	notifyErr error
}

func (b *fakeBackend) PostTurn(_ context.Context, url string, fields []protocol.FormField) (*protocol.Reply, error) {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f.Name] = f.Value
	}
	b.mu.Lock()
	b.turns = append(b.turns, sentTurn{url: url, fields: values})
	respond := b.respond
	b.mu.Unlock()

	if respond == nil {
		return &protocol.Reply{Message: "ok"}, nil
	}
	return respond(url, values)
}

func (b *fakeBackend) Notify(_ context.Context, url, sender string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifies = append(b.notifies, sentNotify{url: url, sender: sender})
	return b.notifyErr
}

func (b *fakeBackend) sent() []sentTurn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentTurn, len(b.turns))
	copy(out, b.turns)
	return out
}

func testOptions() Options {
	return Options{
		Endpoint:  testEndpoint,
		StartOpen: true,
		Profile:   profile.Default(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startEngine(t *testing.T, opts Options, kv store.Store, backend Backend) (*Engine, *recordingView) {
	t.Helper()
	view := &recordingView{}
	e, err := New(context.Background(), opts, kv, view, backend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Start()
	return e, view
}

func TestEngine_StartRendersGreetingAndDefaultForm(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	_, view := startEngine(t, testOptions(), kv, &fakeBackend{})

	turns := view.renderedTurns()
	if len(turns) != 1 || !turns[0].IsBot || turns[0].Text != "Hello, how can I help you?" {
		t.Fatalf("expected a single greeting, got %+v", turns)
	}
	if names := view.schema.FieldNames(); !reflect.DeepEqual(names, []string{"message"}) {
		t.Errorf("expected default form [message], got %v", names)
	}
	if !reflect.DeepEqual(view.open, []bool{true}) {
		t.Errorf("expected panel opened once, got %v", view.open)
	}
	if _, ok, _ := kv.Get(context.Background(), store.KeyHistory); ok {
		t.Error("greeting should not be persisted before the first turn")
	}
}

func TestEngine_SessionIDStableAcrossEngines(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	first, _ := startEngine(t, testOptions(), kv, &fakeBackend{})
	second, _ := startEngine(t, testOptions(), kv, &fakeBackend{})

	if first.SessionID() == "" || first.SessionID() != second.SessionID() {
		t.Fatalf("expected a stable session id, got %q and %q", first.SessionID(), second.SessionID())
	}
}

func TestEngine_SubmitBeforeStart(t *testing.T) {
	backend := &fakeBackend{}
	e, err := New(context.Background(), testOptions(), store.NewMemory().Namespace("v1"), nil, backend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := e.SubmitText(context.Background(), "hello"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if len(backend.sent()) != 0 {
		t.Error("no request expected before Start")
	}
}

func TestEngine_HelloScenario(t *testing.T) {
	type request struct {
		path   string
		fields map[string][]string
	}
	var (
		mu       sync.Mutex
		requests []request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		mu.Lock()
		requests = append(requests, request{path: r.URL.Path, fields: r.MultipartForm.Value})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"custom":{"message":"hi there"}}`)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Endpoint = srv.URL + "/bot"
	kv := store.NewMemory().Namespace("v1")
	e, view := startEngine(t, opts, kv, protocol.NewClient(srv.Client(), opts.Logger))

	if err := e.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	want := map[string][]string{"message": {"hello"}, "sender": {e.SessionID()}}
	if requests[0].path != "/bot" || !reflect.DeepEqual(requests[0].fields, want) {
		t.Errorf("unexpected request %+v", requests[0])
	}

	wantTurns := []domain.Turn{
		domain.BotText("Hello, how can I help you?"),
		domain.UserText("hello"),
		domain.BotText("hi there"),
	}
	if got := e.Transcript(); !reflect.DeepEqual(got, wantTurns) {
		t.Errorf("unexpected transcript %+v", got)
	}
	if got := view.renderedTurns(); !reflect.DeepEqual(got, wantTurns) {
		t.Errorf("unexpected rendered turns %+v", got)
	}

	raw, ok, err := kv.Get(context.Background(), store.KeyHistory)
	if err != nil || !ok {
		t.Fatalf("expected persisted history, ok=%v err=%v", ok, err)
	}
	var persisted []domain.Turn
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("persisted history is not JSON: %v", err)
	}
	if !reflect.DeepEqual(persisted, wantTurns) {
		t.Errorf("persisted transcript %+v differs from %+v", persisted, wantTurns)
	}
}

func TestEngine_ReplayMatchesLiveRendering(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{respond: func(_ string, fields map[string]string) (*protocol.Reply, error) {
		if fields["message"] == "menu" {
			return &protocol.Reply{
				Message: "pick one",
				Button:  &domain.QuickReply{Action: "/order", Text: "Order"},
				HTML:    "<ul><li>pizza</li></ul>",
			}, nil
		}
		return &protocol.Reply{Message: "echo " + fields["message"]}, nil
	}}
	live, liveView := startEngine(t, testOptions(), kv, backend)

	ctx := context.Background()
	for _, text := range []string{"hello", "menu"} {
		if err := live.SubmitText(ctx, text); err != nil {
			t.Fatalf("SubmitText(%q) failed: %v", text, err)
		}
	}
	if err := live.SelectQuickReply(ctx, "/order"); err != nil {
		t.Fatalf("SelectQuickReply failed: %v", err)
	}

	_, reloadView := startEngine(t, testOptions(), kv, backend)

	if got, want := reloadView.renderedTurns(), liveView.renderedTurns(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replay differs from live rendering:\n got %+v\nwant %+v", got, want)
	}
	if reloadView.scrolls == 0 {
		t.Error("replay should scroll to the newest entry")
	}
}

func TestEngine_SubmitWhileInFlightIsRejected(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		entered <- struct{}{}
		<-release
		return &protocol.Reply{Message: "done"}, nil
	}}
	e, view := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	errCh := make(chan error, 1)
	go func() { errCh <- e.SubmitText(context.Background(), "first") }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the backend")
	}

	if !e.Processing() {
		t.Error("expected processing while a turn is in flight")
	}
	if err := e.SubmitText(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := e.SelectQuickReply(context.Background(), "/x"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for quick reply, got %v", err)
	}
	if got := len(e.Transcript()); got != 1 {
		t.Errorf("transcript changed during flight: %d entries", got)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if got := len(backend.sent()); got != 1 {
		t.Errorf("expected exactly 1 request, got %d", got)
	}
	if e.Processing() {
		t.Error("processing should be released")
	}
	if !reflect.DeepEqual(view.processing, []bool{false, true, false}) {
		t.Errorf("unexpected processing sequence %v", view.processing)
	}
}

func TestEngine_PanickingTurnReleasesProcessing(t *testing.T) {
	calls := 0
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		calls++
		if calls == 1 {
			panic("backend exploded")
		}
		return &protocol.Reply{Message: "recovered"}, nil
	}}
	e, view := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected the panic to reach the caller")
			}
		}()
		_ = e.SubmitText(context.Background(), "first")
	}()

	if e.Processing() {
		t.Fatal("processing should be released after a panic")
	}
	if !reflect.DeepEqual(view.processing, []bool{false, true, false}) {
		t.Errorf("unexpected processing sequence %v", view.processing)
	}
	if view.focuses != 1 {
		t.Errorf("expected input focused once, got %d", view.focuses)
	}

	if err := e.SubmitText(context.Background(), "second"); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if turns := e.Transcript(); len(turns) != 3 || turns[2].Text != "recovered" {
		t.Errorf("unexpected transcript %+v", turns)
	}
}

func TestEngine_CloseDropsReplyInFlight(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		entered <- struct{}{}
		<-release
		return &protocol.Reply{Message: "late reply", AccessToken: "at", RefreshToken: "rt"}, nil
	}}
	e, _ := startEngine(t, testOptions(), kv, backend)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- e.SubmitText(ctx, "secret question") }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the backend")
	}

	e.Close()
	close(release)
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	for _, key := range []string{store.KeyHistory, store.KeyAccessToken} {
		if _, ok, _ := kv.Get(ctx, key); ok {
			t.Errorf("expected %s not to be written after Close", key)
		}
	}
	if e.Processing() {
		t.Error("processing should be released")
	}
	if err := e.SubmitText(ctx, "again"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from a closed engine, got %v", err)
	}
	if err := <-e.NotifyLogin(ctx, "at", "rt", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from NotifyLogin, got %v", err)
	}
}

func TestEngine_EmptyFieldSendsNothing(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{}
	e, _ := startEngine(t, testOptions(), kv, backend)

	if err := e.SubmitText(context.Background(), ""); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("expected ErrEmptyField, got %v", err)
	}
	if err := e.Submit(context.Background(), map[string]string{"message": ""}); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("expected ErrEmptyField from Submit, got %v", err)
	}
	if len(backend.sent()) != 0 {
		t.Error("no request expected for an empty field")
	}
	if got := len(e.Transcript()); got != 1 {
		t.Errorf("expected transcript untouched, got %d entries", got)
	}
	if _, ok, _ := kv.Get(context.Background(), store.KeyHistory); ok {
		t.Error("history should not be written")
	}
	if e.Processing() {
		t.Error("processing must stay false")
	}
}

func TestEngine_FailedTurnKeepsTranscript(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"server message", &protocol.ServerError{Status: 500, Message: "backend down"}, "backend down"},
		{"server without message", &protocol.ServerError{Status: 502}, "Unknown error"},
		{"transport", &protocol.TransportError{URL: testEndpoint, Err: errors.New("refused")}, "Unknown error"},
		{"malformed", protocol.ErrMalformedResponse, "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := store.NewMemory().Namespace("v1")
			backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
				return nil, tt.err
			}}
			e, view := startEngine(t, testOptions(), kv, backend)
			before := e.Transcript()

			err := e.SubmitText(context.Background(), "hello")
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v to be wrapped, got %v", tt.err, err)
			}

			if got := e.Transcript(); !reflect.DeepEqual(got, before) {
				t.Errorf("transcript changed: %+v", got)
			}
			if _, ok, _ := kv.Get(context.Background(), store.KeyHistory); ok {
				t.Error("nothing should be persisted on failure")
			}
			turns := view.renderedTurns()
			if last := turns[len(turns)-1]; !last.IsBot || last.Text != tt.message {
				t.Errorf("expected bot error %q, got %+v", tt.message, last)
			}
			if e.Processing() {
				t.Error("processing must be false after a failure")
			}
			if view.focuses != 1 {
				t.Errorf("expected input focused once, got %d", view.focuses)
			}
		})
	}
}

func TestEngine_MissingFormResetsToDefault(t *testing.T) {
	calls := 0
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		calls++
		if calls == 1 {
			return &protocol.Reply{Message: "who are you?", Form: &domain.FormSchema{
				SubmitPath: "/auth",
				Fields:     []domain.FieldSpec{{Name: "username", Kind: domain.FieldText}},
			}}, nil
		}
		return &protocol.Reply{Message: "welcome"}, nil
	}}
	e, view := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	if err := e.SubmitText(context.Background(), "login"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if err := e.Submit(context.Background(), map[string]string{"username": "bob"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if names := view.schema.FieldNames(); !reflect.DeepEqual(names, []string{"message"}) {
		t.Errorf("expected default form [message], got %v", names)
	}
	if got := e.State().SubmitURL; got != testEndpoint+"/" {
		t.Errorf("expected submit URL %q, got %q", testEndpoint+"/", got)
	}
}

func TestEngine_InvalidServerFormFallsBackToDefault(t *testing.T) {
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		return &protocol.Reply{Message: "broken", Form: &domain.FormSchema{SubmitPath: "/x"}}, nil
	}}
	e, _ := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	if err := e.SubmitText(context.Background(), "hi"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if names := e.Form().FieldNames(); !reflect.DeepEqual(names, []string{"message"}) {
		t.Errorf("expected default form, got %v", names)
	}
}

func TestEngine_AuthFormScenario(t *testing.T) {
	backend := &fakeBackend{respond: func(url string, fields map[string]string) (*protocol.Reply, error) {
		if url == testEndpoint {
			return &protocol.Reply{Message: "Your username?", Form: &domain.FormSchema{
				SubmitPath: "/auth",
				Fields:     []domain.FieldSpec{{Name: "username", Kind: domain.FieldText, Placeholder: "Username"}},
			}}, nil
		}
		return &protocol.Reply{Message: "hi " + fields["username"]}, nil
	}}
	e, view := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	if err := e.SubmitText(context.Background(), "login"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if names := view.schema.FieldNames(); !reflect.DeepEqual(names, []string{"username"}) {
		t.Fatalf("expected [username] form, got %v", names)
	}

	if err := e.Submit(context.Background(), map[string]string{"username": "bob"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	sent := backend.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(sent))
	}
	if sent[1].url != testEndpoint+"/auth" {
		t.Errorf("expected POST to %s/auth, got %s", testEndpoint, sent[1].url)
	}
	want := map[string]string{"username": "bob", "sender": e.SessionID()}
	if !reflect.DeepEqual(sent[1].fields, want) {
		t.Errorf("unexpected fields %v", sent[1].fields)
	}
	turns := e.Transcript()
	if user := turns[len(turns)-2]; user.IsBot || user.Text != "bob" {
		t.Errorf("expected user turn %q, got %+v", "bob", user)
	}
}

func TestEngine_SecretFieldIsMaskedInTranscript(t *testing.T) {
	calls := 0
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		calls++
		if calls == 1 {
			return &protocol.Reply{Message: "password?", Form: &domain.FormSchema{
				SubmitPath: "/password",
				Fields:     []domain.FieldSpec{{Name: "password", Kind: domain.FieldPassword}},
			}}, nil
		}
		return &protocol.Reply{Message: "ok"}, nil
	}}
	e, _ := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)
	ctx := context.Background()

	if err := e.SubmitText(ctx, "login"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if err := e.SubmitText(ctx, "hunter2"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	if got := backend.sent()[1].fields["password"]; got != "hunter2" {
		t.Errorf("expected the real password to be sent, got %q", got)
	}
	for _, turn := range e.Transcript() {
		if turn.Text == "hunter2" {
			t.Fatal("password leaked into the transcript")
		}
	}
}

func TestEngine_QuickReplyBypassesForm(t *testing.T) {
	calls := 0
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		calls++
		if calls == 1 {
			return &protocol.Reply{
				Message: "continue?",
				Button:  &domain.QuickReply{Action: "/yes", Text: "Yes"},
				Form: &domain.FormSchema{SubmitPath: "/auth", Fields: []domain.FieldSpec{
					{Name: "username"}, {Name: "password", Kind: domain.FieldPassword},
				}},
			}, nil
		}
		return &protocol.Reply{Message: "great"}, nil
	}}
	e, _ := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)
	ctx := context.Background()

	if err := e.SubmitText(ctx, "start"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if err := e.SelectQuickReply(ctx, "/yes"); err != nil {
		t.Fatalf("SelectQuickReply failed: %v", err)
	}

	sent := backend.sent()[1]
	want := map[string]string{"message": "/yes", "sender": e.SessionID()}
	if !reflect.DeepEqual(sent.fields, want) {
		t.Errorf("unexpected quick reply fields %v", sent.fields)
	}
	turns := e.Transcript()
	if user := turns[len(turns)-2]; user.Text != "/yes" || user.IsBot {
		t.Errorf("expected user turn %q, got %+v", "/yes", user)
	}
}

func TestEngine_CapturesAccessToken(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{respond: func(_ string, fields map[string]string) (*protocol.Reply, error) {
		if fields["access_token"] == "" {
			return &protocol.Reply{Message: "logged in", AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
		}
		return &protocol.Reply{Message: "hello again"}, nil
	}}

	type loginCall struct {
		token, refresh string
		expiresIn      int64
	}
	var calls []loginCall
	opts := testOptions()
	opts.LoginListener = func(token, refresh string, expiresIn int64) {
		calls = append(calls, loginCall{token, refresh, expiresIn})
	}
	e, _ := startEngine(t, opts, kv, backend)
	ctx := context.Background()

	if err := e.SubmitText(ctx, "login"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	if creds := e.Credentials(); creds.AccessToken != "at" || creds.RefreshToken != "rt" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if v, _, _ := kv.Get(ctx, store.KeyAccessToken); v != "at" {
		t.Errorf("expected stored access token, got %q", v)
	}
	if v, _, _ := kv.Get(ctx, store.KeyRefreshToken); v != "rt" {
		t.Errorf("expected stored refresh token, got %q", v)
	}
	if !reflect.DeepEqual(calls, []loginCall{{"at", "rt", 3600}}) {
		t.Errorf("unexpected listener calls %+v", calls)
	}

	if err := e.SubmitText(ctx, "again"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if got := backend.sent()[1].fields["access_token"]; got != "at" {
		t.Errorf("expected access_token attached, got %q", got)
	}

	// A reload picks the credentials back up.
	reloaded, _ := startEngine(t, testOptions(), kv, backend)
	if creds := reloaded.Credentials(); creds.AccessToken != "at" || creds.RefreshToken != "rt" {
		t.Errorf("expected credentials after reload, got %+v", creds)
	}
}

func TestEngine_StoredAccessTokenWithoutRefreshIsCleared(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		refresh *string
	}{
		{"refresh key missing", nil},
		{"refresh key empty", new(string)},
	}
	for _, tt := range tests {
		kv := store.NewMemory().Namespace("v1")
		if err := kv.Set(ctx, store.KeyAccessToken, "orphan"); err != nil {
			t.Fatalf("%s: Set failed: %v", tt.name, err)
		}
		if tt.refresh != nil {
			if err := kv.Set(ctx, store.KeyRefreshToken, *tt.refresh); err != nil {
				t.Fatalf("%s: Set failed: %v", tt.name, err)
			}
		}

		e, _ := startEngine(t, testOptions(), kv, &fakeBackend{})

		if !e.Credentials().IsZero() {
			t.Errorf("%s: expected no credentials, got %+v", tt.name, e.Credentials())
		}
		if _, ok, _ := kv.Get(ctx, store.KeyAccessToken); ok {
			t.Errorf("%s: orphan access token should be removed", tt.name)
		}
	}
}

func TestEngine_ReplyAccessTokenWithoutRefreshIsDiscarded(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		return &protocol.Reply{Message: "hi", AccessToken: "at"}, nil
	}}
	var listened int
	opts := testOptions()
	opts.LoginListener = func(string, string, int64) { listened++ }
	e, _ := startEngine(t, opts, kv, backend)
	ctx := context.Background()

	if err := e.SubmitText(ctx, "login"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	if !e.Credentials().IsZero() {
		t.Errorf("expected no credentials, got %+v", e.Credentials())
	}
	for _, key := range []string{store.KeyAccessToken, store.KeyRefreshToken} {
		if _, ok, _ := kv.Get(ctx, key); ok {
			t.Errorf("expected %s not to be stored", key)
		}
	}
	if listened != 0 {
		t.Errorf("expected no listener calls, got %d", listened)
	}
	if got := len(e.Transcript()); got != 3 {
		t.Errorf("the turn itself should still be recorded, got %d entries", got)
	}

	reloaded, _ := startEngine(t, opts, kv, backend)
	if !reloaded.Credentials().IsZero() {
		t.Errorf("expected no credentials after reload, got %+v", reloaded.Credentials())
	}
}

func TestEngine_NotifyLoginRequiresBothTokens(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{}
	var listened int
	opts := testOptions()
	opts.LoginListener = func(string, string, int64) { listened++ }
	e, _ := startEngine(t, opts, kv, backend)

	for _, pair := range [][2]string{{"at", ""}, {"", "rt"}} {
		if err := <-e.NotifyLogin(context.Background(), pair[0], pair[1], 60); !errors.Is(err, ErrIncompleteCredentials) {
			t.Errorf("%v: expected ErrIncompleteCredentials, got %v", pair, err)
		}
	}
	e.Wait()

	if !e.Credentials().IsZero() {
		t.Errorf("expected no credentials, got %+v", e.Credentials())
	}
	if _, ok, _ := kv.Get(context.Background(), store.KeyAccessToken); ok {
		t.Error("expected no stored access token")
	}
	if len(backend.notifies) != 0 || listened != 0 {
		t.Errorf("expected no notification or listener call, got %d notifications and %d calls", len(backend.notifies), listened)
	}
}

func TestEngine_NotifyLogin(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{}
	var listened []string
	opts := testOptions()
	opts.LoginListener = func(token, refresh string, _ int64) {
		listened = append(listened, token+"/"+refresh)
	}
	e, _ := startEngine(t, opts, kv, backend)

	if err := <-e.NotifyLogin(context.Background(), "host-at", "host-rt", 60); err != nil {
		t.Fatalf("notification failed: %v", err)
	}

	if creds := e.Credentials(); creds.AccessToken != "host-at" || creds.RefreshToken != "host-rt" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if len(backend.notifies) != 1 || backend.notifies[0] != (sentNotify{testEndpoint + "/logged-in", e.SessionID()}) {
		t.Errorf("unexpected notifications %+v", backend.notifies)
	}
	if !reflect.DeepEqual(listened, []string{"host-at/host-rt"}) {
		t.Errorf("unexpected listener calls %v", listened)
	}
}

func TestEngine_NotifyLogoutClearsCredentialsEvenOnFailure(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	backend := &fakeBackend{notifyErr: &protocol.TransportError{URL: testEndpoint, Err: errors.New("offline")}}
	e, _ := startEngine(t, testOptions(), kv, backend)
	ctx := context.Background()

	<-e.NotifyLogin(ctx, "at", "rt", 0)
	err := <-e.NotifyLogout(ctx)
	if err == nil {
		t.Fatal("expected the failed notification to be reported")
	}
	e.Wait()

	if !e.Credentials().IsZero() {
		t.Errorf("expected credentials cleared, got %+v", e.Credentials())
	}
	for _, key := range []string{store.KeyAccessToken, store.KeyRefreshToken} {
		if _, ok, _ := kv.Get(ctx, key); ok {
			t.Errorf("expected %s removed", key)
		}
	}
	if last := backend.notifies[len(backend.notifies)-1]; last.url != testEndpoint+"/logged-out" {
		t.Errorf("unexpected notification URL %s", last.url)
	}
}

func TestEngine_NotificationOutlivesCallerContext(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := <-e.NotifyLogout(ctx); err != nil {
		t.Fatalf("expected notification to ignore caller cancellation, got %v", err)
	}
}

func TestEngine_StorageUnavailableDegradesToMemory(t *testing.T) {
	mem := store.NewMemory()
	mem.Fail(true)
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		return &protocol.Reply{Message: "fine", AccessToken: "at", RefreshToken: "rt"}, nil
	}}
	e, _ := startEngine(t, testOptions(), mem.Namespace("v1"), backend)

	if e.SessionID() == "" {
		t.Fatal("expected an in-memory session id")
	}
	if err := e.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if got := len(e.Transcript()); got != 3 {
		t.Errorf("expected 3 in-memory turns, got %d", got)
	}
	if e.Credentials().AccessToken != "at" {
		t.Error("expected credentials kept in memory")
	}
}

func TestEngine_UndecodableHistoryShowsGreeting(t *testing.T) {
	kv := store.NewMemory().Namespace("v1")
	if err := kv.Set(context.Background(), store.KeyHistory, "{not json"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	e, _ := startEngine(t, testOptions(), kv, &fakeBackend{})

	turns := e.Transcript()
	if len(turns) != 1 || turns[0].Text != "Hello, how can I help you?" {
		t.Errorf("expected greeting only, got %+v", turns)
	}
}

func TestEngine_Toggle(t *testing.T) {
	opts := testOptions()
	opts.StartOpen = false
	e, view := startEngine(t, opts, store.NewMemory().Namespace("v1"), &fakeBackend{})

	if e.State().IsOpen {
		t.Fatal("expected closed panel")
	}
	if !e.Toggle() {
		t.Error("expected Toggle to open the panel")
	}
	if e.Toggle() {
		t.Error("expected Toggle to close the panel")
	}
	if !reflect.DeepEqual(view.open, []bool{false, true, false}) {
		t.Errorf("unexpected visibility sequence %v", view.open)
	}
}

func TestEngine_RedirectNavigatesAfterProcessing(t *testing.T) {
	backend := &fakeBackend{respond: func(string, map[string]string) (*protocol.Reply, error) {
		return &protocol.Reply{Message: "bye", Redirect: "https://example.com/account"}, nil
	}}
	e, view := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), backend)

	if err := e.SubmitText(context.Background(), "account"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if !reflect.DeepEqual(view.navigated, []string{"https://example.com/account"}) {
		t.Errorf("unexpected navigation %v", view.navigated)
	}
}

func TestEngine_AttachReplaysThenFollows(t *testing.T) {
	e, primary := startEngine(t, testOptions(), store.NewMemory().Namespace("v1"), &fakeBackend{})
	ctx := context.Background()

	if err := e.SubmitText(ctx, "before"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	tab := &recordingView{}
	detach := e.Attach(tab)
	if got := tab.renderedTurns(); len(got) != 3 {
		t.Fatalf("expected replay of 3 turns, got %+v", got)
	}

	if err := e.SubmitText(ctx, "after"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if got, want := tab.renderedTurns(), primary.renderedTurns(); !reflect.DeepEqual(got, want) {
		t.Errorf("attached view diverged:\n got %+v\nwant %+v", got, want)
	}

	detach()
	detach()
	if err := e.SubmitText(ctx, "detached"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if got := len(tab.renderedTurns()); got != 5 {
		t.Errorf("detached view should not receive turns, has %d", got)
	}
}
