package widget

import "github.com/ashureev/chatbubble/internal/domain"

// View is the presentation collaborator driven by the Engine.
//
// Methods are called while the engine holds its state lock, in the order the
// changes happen. Implementations must not call back into the Engine from
// these methods.
type View interface {
	// RenderTurn appends one transcript entry.
	RenderTurn(turn domain.Turn)
	// SetFormSchema replaces the rendered input fields.
	SetFormSchema(schema domain.FormSchema)
	// SetVisibility shows the panel and hides the trigger when open is true,
	// and the reverse when false.
	SetVisibility(open bool)
	// ScrollToEnd scrolls the transcript to its newest entry.
	ScrollToEnd()
	// SetProcessing disables the form while a turn is in flight.
	SetProcessing(processing bool)
	// FocusInput moves focus to the primary input.
	FocusInput()
	// Navigate sends the host page to url.
	Navigate(url string)
}

// NopView discards every render call.
type NopView struct{}

func (NopView) RenderTurn(domain.Turn)          {}
func (NopView) SetFormSchema(domain.FormSchema) {}
func (NopView) SetVisibility(bool)              {}
func (NopView) ScrollToEnd()                    {}
func (NopView) SetProcessing(bool)              {}
func (NopView) FocusInput()                     {}
func (NopView) Navigate(string)                 {}

var _ View = NopView{}

// viewSet renders to the engine's own view and to every attached view.
type viewSet struct {
	primary  View
	attached map[*attachment]struct{}
}

type attachment struct{ View }

func newViewSet(primary View) *viewSet {
	return &viewSet{primary: primary, attached: make(map[*attachment]struct{})}
}

func (s *viewSet) each(fn func(View)) {
	fn(s.primary)
	for a := range s.attached {
		fn(a.View)
	}
}

func (s *viewSet) RenderTurn(turn domain.Turn) { s.each(func(v View) { v.RenderTurn(turn) }) }

func (s *viewSet) SetFormSchema(schema domain.FormSchema) {
	s.each(func(v View) { v.SetFormSchema(schema.Clone()) })
}

func (s *viewSet) SetVisibility(open bool)       { s.each(func(v View) { v.SetVisibility(open) }) }
func (s *viewSet) ScrollToEnd()                  { s.each(func(v View) { v.ScrollToEnd() }) }
func (s *viewSet) SetProcessing(processing bool) { s.each(func(v View) { v.SetProcessing(processing) }) }
func (s *viewSet) FocusInput()                   { s.each(func(v View) { v.FocusInput() }) }
func (s *viewSet) Navigate(url string)           { s.each(func(v View) { v.Navigate(url) }) }
