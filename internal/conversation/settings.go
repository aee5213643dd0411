// ABOUTME: Typed per-conversation settings and partial updates.
// ABOUTME: Patch carries optional fields; Apply merges only the fields that are set.

package conversation

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// DefaultPersonality is the persona used when nothing else is configured.
	DefaultPersonality = "Tone: neutral. Style: formal."

	// DefaultTemperature is the sampling temperature used when nothing else is configured.
	DefaultTemperature = 0.5

	// MaxPersonalityLength bounds persona text, in characters.
	MaxPersonalityLength = 300
)

var (
	// ErrInvalidTemperature is returned for temperatures outside [0, 1].
	ErrInvalidTemperature = errors.New("temperature must be between 0.0 and 1.0")

	// ErrPersonalityTooLong is returned for persona text over MaxPersonalityLength.
	ErrPersonalityTooLong = fmt.Errorf("personality must be at most %d characters", MaxPersonalityLength)
)

// Settings control how a conversation talks to the model.
type Settings struct {
	Personality   string  `json:"personality"`
	Temperature   float64 `json:"temperature"`
	ModelOverride string  `json:"model_override,omitempty"` // empty means the default model
	AutoReply     bool    `json:"auto_reply"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Personality: DefaultPersonality,
		Temperature: DefaultTemperature,
	}
}

// Patch is a partial settings update. Nil fields are left unchanged; an
// empty ModelOverride clears the override.
type Patch struct {
	Personality   *string  `json:"personality,omitempty" yaml:"personality" toml:"personality"`
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature" toml:"temperature"`
	ModelOverride *string  `json:"model_override,omitempty" yaml:"model" toml:"model"`
	AutoReply     *bool    `json:"auto_reply,omitempty" yaml:"auto_reply" toml:"auto_reply"`
}

// Validate checks the fields that are set.
func (p Patch) Validate() error {
	// Written so NaN fails too.
	if t := p.Temperature; t != nil && !(*t >= 0 && *t <= 1) {
		return fmt.Errorf("%w: got %g", ErrInvalidTemperature, *p.Temperature)
	}
	if p.Personality != nil && utf8.RuneCountInString(*p.Personality) > MaxPersonalityLength {
		return ErrPersonalityTooLong
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Personality == nil && p.Temperature == nil && p.ModelOverride == nil && p.AutoReply == nil
}

// Apply returns s with the patch's set fields merged in.
func (s Settings) Apply(p Patch) Settings {
	if p.Personality != nil {
		s.Personality = *p.Personality
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.ModelOverride != nil {
		s.ModelOverride = *p.ModelOverride
	}
	if p.AutoReply != nil {
		s.AutoReply = *p.AutoReply
	}
	return s
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
