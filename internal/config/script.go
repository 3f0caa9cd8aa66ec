package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samedit66/indusgpt/internal/composer"
	"github.com/samedit66/indusgpt/internal/models"
)

// ErrMissingQuestions is returned for a script without questions.
var ErrMissingQuestions = errors.New("script has no questions")

//go:embed default_script.yaml
var defaultScript []byte

// Script is the configured conversation: the fixed texts and the ordered questions.
type Script struct {
	Introduction string            `yaml:"introduction"`
	FAQ          string            `yaml:"faq"`
	Closing      string            `yaml:"closing"`
	Finished     string            `yaml:"finished"`
	VoiceNotice  string            `yaml:"voice_notice"`
	MediaNotice  string            `yaml:"media_notice"`
	Questions    []models.Question `yaml:"questions"`
}

// DefaultScript returns the embedded script.
func DefaultScript() (Script, error) {
	return ParseScript(defaultScript)
}

// LoadScript reads a script file, or the embedded default when path is empty.
func LoadScript(path string) (Script, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultScript()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	s, err := ParseScript(data)
	if err != nil {
		return Script{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScript decodes and validates a YAML script. Unknown keys are rejected.
func ParseScript(data []byte) (Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Validate checks every question.
func (s Script) Validate() error {
	if len(s.Questions) == 0 {
		return ErrMissingQuestions
	}
	seen := make(map[string]bool, len(s.Questions))
	for i, q := range s.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i+1, err)
		}
		if q.ID == "" {
			continue
		}
		if seen[q.ID] {
			return fmt.Errorf("question %d: duplicate id %q", i+1, q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}

// Templates returns composer templates for the script's texts. Empty texts keep the composer
// defaults.
func (s Script) Templates() composer.Templates {
	return composer.Templates{
		Introduction: strings.TrimSpace(s.Introduction),
		FAQ:          strings.TrimSpace(s.FAQ),
		Closing:      strings.TrimSpace(s.Closing),
	}
}
