// Package console runs the chat widget in a terminal.
package console

import (
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/widget"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/microcosm-cc/bluemonday"
)

var (
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	buttonStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
)

// Block-level markup becomes line breaks and list items become bullets
// before tags are stripped. Tags may carry attributes and any case.
var (
	lineBreakTags = regexp.MustCompile(`(?i)<br\b[^>]*>|</(?:p|div|li|tr|h[1-6])\s*>`)
	listItemTags  = regexp.MustCompile(`(?i)<li\b[^>]*>`)
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// View renders the conversation as lines of text.
type View struct {
	mu      sync.Mutex
	out     io.Writer
	styled  bool
	policy  *bluemonday.Policy
	schema  domain.FormSchema
	replies []domain.QuickReply
}

// NewView writes to out; styled enables colors and should only be set for
// terminals.
func NewView(out io.Writer, styled bool) *View {
	return &View{
		out:    out,
		styled: styled,
		policy: bluemonday.StrictPolicy(),
	}
}

var _ widget.View = (*View)(nil)

func (v *View) paint(style lipgloss.Style, s string) string {
	if !v.styled {
		return s
	}
	return style.Render(s)
}

func (v *View) println(s string) {
	_, _ = fmt.Fprintln(v.out, s)
}

// Title prints a header line.
func (v *View) Title(title, subtitle string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	line := v.paint(titleStyle, title)
	if subtitle != "" {
		line += " " + v.paint(noticeStyle, subtitle)
	}
	v.println(line)
}

func (v *View) RenderTurn(turn domain.Turn) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !turn.IsBot {
		v.replies = nil
		v.println(v.paint(userStyle, "you> "+turn.Text))
		return
	}

	if turn.Text != "" {
		v.println(v.paint(botStyle, "bot> ") + turn.Text)
	}
	if turn.HTML != "" {
		for _, line := range strings.Split(v.htmlToText(turn.HTML), "\n") {
			v.println("     " + line)
		}
	}
	if turn.Button != nil {
		v.replies = append(v.replies, *turn.Button)
		label := fmt.Sprintf("     [/%d] %s", len(v.replies), turn.Button.Text)
		v.println(v.paint(buttonStyle, label))
	}
}

// htmlToText reduces markup to plain lines.
func (v *View) htmlToText(markup string) string {
	markup = lineBreakTags.ReplaceAllString(markup, "\n")
	markup = listItemTags.ReplaceAllString(markup, "- ")
	text := html.UnescapeString(v.policy.Sanitize(markup))
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func (v *View) SetFormSchema(schema domain.FormSchema) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.schema = schema
	if len(schema.Fields) == 1 && schema.Fields[0].Name == "message" {
		return
	}
	v.println(v.paint(noticeStyle, "form: "+describeFields(schema)))
}

func (v *View) SetVisibility(open bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if open {
		v.println(v.paint(noticeStyle, "[chat opened]"))
	} else {
		v.println(v.paint(noticeStyle, "[chat closed, /toggle to reopen]"))
	}
}

func (v *View) ScrollToEnd() {}

func (v *View) SetProcessing(processing bool) {
	if !processing {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println(v.paint(noticeStyle, "..."))
}

func (v *View) FocusInput() {}

func (v *View) Navigate(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println(v.paint(noticeStyle, "open in browser: "+url))
}

// Notice prints an informational line.
func (v *View) Notice(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println(v.paint(noticeStyle, fmt.Sprintf(format, args...)))
}

// Prompt prints label without a trailing newline.
func (v *View) Prompt(label string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprint(v.out, label)
}

// QuickReply returns the action of the n-th quick reply shown since the
// visitor's last turn, counting from 1.
func (v *View) QuickReply(n int) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n < 1 || n > len(v.replies) {
		return "", false
	}
	return v.replies[n-1].Action, true
}

func (v *View) fields() []domain.FieldSpec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.schema.Clone().Fields
}

func describeFields(schema domain.FormSchema) string {
	parts := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		kind := string(f.Kind)
		if kind == "" {
			kind = string(domain.FieldText)
		}
		parts = append(parts, f.Name+" ("+kind+")")
	}
	return strings.Join(parts, ", ")
}
