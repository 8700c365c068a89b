// Package profile holds the host-supplied texts and default form of the widget.
package profile

import (
	"fmt"
	"os"

	"github.com/ashureev/chatbubble/internal/domain"
	"gopkg.in/yaml.v3"
)

// Profile is the presentation-level configuration of a widget instance.
type Profile struct {
	Title        string            `yaml:"title"`
	Subtitle     string            `yaml:"subtitle"`
	Greeting     string            `yaml:"greeting"`
	UnknownError string            `yaml:"unknown_error"`
	DefaultForm  domain.FormSchema `yaml:"default_form"`
}

// Default returns the built-in profile.
func Default() Profile {
	return Profile{
		Title:        "Support",
		Greeting:     "Hello, how can I help you?",
		UnknownError: "Unknown error",
		DefaultForm: domain.FormSchema{
			SubmitPath: "/",
			Fields: []domain.FieldSpec{
				{Name: "message", Kind: domain.FieldText, Placeholder: "Type your question"},
			},
		},
	}
}

// Load reads a YAML profile from path. Keys missing from the file keep their
// built-in values. An empty path returns Default().
func Load(path string) (Profile, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := p.merge(data); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) merge(data []byte) error {
	var file Profile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Title != "" {
		p.Title = file.Title
	}
	if file.Subtitle != "" {
		p.Subtitle = file.Subtitle
	}
	if file.Greeting != "" {
		p.Greeting = file.Greeting
	}
	if file.UnknownError != "" {
		p.UnknownError = file.UnknownError
	}
	if len(file.DefaultForm.Fields) > 0 {
		p.DefaultForm = file.DefaultForm
		if p.DefaultForm.SubmitPath == "" {
			p.DefaultForm.SubmitPath = "/"
		}
		for i := range p.DefaultForm.Fields {
			if p.DefaultForm.Fields[i].Kind == "" {
				p.DefaultForm.Fields[i].Kind = domain.FieldText
			}
		}
	}
	return nil
}

// Validate checks that the profile can drive a widget.
func (p Profile) Validate() error {
	if p.UnknownError == "" {
		return fmt.Errorf("unknown_error cannot be empty")
	}
	if err := p.DefaultForm.Validate(); err != nil {
		return fmt.Errorf("default_form: %w", err)
	}
	return nil
}
