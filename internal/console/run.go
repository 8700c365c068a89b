package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/widget"
)

const helpText = `commands:
  /1 .. /n                        pick a quick reply
  /login TOKEN REFRESH [EXPIRES]  store credentials obtained elsewhere
  /logout                         forget credentials
  /toggle                         open or close the chat
  /form                           show the active form
  /history                        print the transcript
  /help                           show this help
  /quit                           leave`

// Run reads visitor input from in until it is exhausted, /quit is entered or
// ctx is cancelled. The engine must have been started with view.
func Run(ctx context.Context, engine *widget.Engine, view *View, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s := &session{ctx: ctx, engine: engine, view: view, lines: lines}
	for {
		view.Prompt("> ")
		line, ok := s.next()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case err := <-readErr:
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			default:
			}
			return nil
		}
		if quit := s.handle(strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

type session struct {
	ctx    context.Context
	engine *widget.Engine
	view   *View
	lines  <-chan string
}

func (s *session) next() (string, bool) {
	select {
	case line, ok := <-s.lines:
		return line, ok
	case <-s.ctx.Done():
		return "", false
	}
}

func (s *session) handle(line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.submit(line)
		return false
	}

	cmd, args, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		s.view.Notice("%s", helpText)
	case "/toggle":
		s.engine.Toggle()
	case "/form":
		s.showForm()
	case "/history":
		for _, turn := range s.engine.Transcript() {
			s.view.RenderTurn(turn)
		}
	case "/login":
		s.login(strings.Fields(args))
	case "/logout":
		if err := <-s.engine.NotifyLogout(s.ctx); err != nil {
			s.view.Notice("logged out locally, backend not notified: %v", err)
		} else {
			s.view.Notice("logged out")
		}
	default:
		if n, err := strconv.Atoi(strings.TrimPrefix(cmd, "/")); err == nil && args == "" {
			s.quickReply(n)
			return false
		}
		// Bots commonly accept "/intent" style messages.
		s.submit(line)
	}
	return false
}

func (s *session) submit(first string) {
	fields := s.view.fields()
	if len(fields) <= 1 {
		s.report(s.engine.SubmitText(s.ctx, first))
		return
	}

	values := map[string]string{fields[0].Name: first}
	for _, f := range fields[1:] {
		s.view.Prompt(fieldLabel(f) + ": ")
		value, ok := s.next()
		if !ok {
			return
		}
		values[f.Name] = strings.TrimSpace(value)
	}
	s.report(s.engine.Submit(s.ctx, values))
}

func (s *session) quickReply(n int) {
	action, ok := s.view.QuickReply(n)
	if !ok {
		s.view.Notice("no quick reply %d", n)
		return
	}
	s.report(s.engine.SelectQuickReply(s.ctx, action))
}

func (s *session) login(args []string) {
	if len(args) < 2 || len(args) > 3 {
		s.view.Notice("usage: /login TOKEN REFRESH [EXPIRES]")
		return
	}
	var expiresIn int64
	if len(args) == 3 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || n < 0 {
			s.view.Notice("EXPIRES must be a number of seconds")
			return
		}
		expiresIn = n
	}
	if err := <-s.engine.NotifyLogin(s.ctx, args[0], args[1], expiresIn); err != nil {
		s.view.Notice("logged in locally, backend not notified: %v", err)
	} else {
		s.view.Notice("logged in")
	}
}

func (s *session) showForm() {
	st := s.engine.State()
	s.view.Notice("form: %s -> %s", describeFields(st.Form), st.SubmitURL)
}

// report prints errors the engine does not render itself.
func (s *session) report(err error) {
	switch {
	case errors.Is(err, widget.ErrEmptyField):
		s.view.Notice("every field needs a value")
	case errors.Is(err, widget.ErrBusy):
		s.view.Notice("still waiting for the previous reply")
	}
}

func fieldLabel(f domain.FieldSpec) string {
	if f.Placeholder != "" {
		return f.Placeholder
	}
	return f.Name
}
