// ABOUTME: Catalog entry type built from the provider's model listing.
// ABOUTME: Parses decimal price strings and exposes free/image helpers.

package catalog

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/iris/internal/llm"
)

// Pricing holds the provider's per-token prices, raw and parsed.
type Pricing struct {
	Prompt          string  `json:"prompt"`
	Completion      string  `json:"completion"`
	PromptPrice     float64 `json:"-"`
	CompletionPrice float64 `json:"-"`
	valid           bool
}

// Model is one catalog entry.
type Model struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	ContextLength   int       `json:"context_length"`
	Created         time.Time `json:"created"`
	Pricing         Pricing   `json:"pricing"`
	InputModalities []string  `json:"input_modalities,omitempty"`
}

// IsFree reports whether both prompt and completion prices are zero.
// Unparseable prices are never free.
func (m Model) IsFree() bool {
	return m.Pricing.valid && m.Pricing.PromptPrice == 0 && m.Pricing.CompletionPrice == 0
}

// SupportsImages reports whether the model accepts image input.
func (m Model) SupportsImages() bool {
	for _, mod := range m.InputModalities {
		if mod == "image" {
			return true
		}
	}
	return false
}

func modelFromInfo(info llm.ModelInfo) Model {
	m := Model{
		ID:              info.ID,
		Name:            info.Name,
		Description:     info.Description,
		ContextLength:   info.ContextLength,
		InputModalities: info.Architecture.InputModalities,
		Pricing: Pricing{
			Prompt:     info.Pricing.Prompt,
			Completion: info.Pricing.Completion,
		},
	}
	if info.Created > 0 {
		m.Created = time.Unix(info.Created, 0).UTC()
	}
	prompt, errP := strconv.ParseFloat(strings.TrimSpace(info.Pricing.Prompt), 64)
	completion, errC := strconv.ParseFloat(strings.TrimSpace(info.Pricing.Completion), 64)
	if errP == nil && errC == nil {
		m.Pricing.PromptPrice = prompt
		m.Pricing.CompletionPrice = completion
		m.Pricing.valid = true
	}
	return m
}

// ParseModelID accepts a bare model id or an openrouter.ai model page URL
// and returns the model id.
func ParseModelID(input string) string {
	input = strings.TrimSpace(input)
	if u, err := url.Parse(input); err == nil && u.Host != "" {
		input = u.Path
	}
	input = strings.Trim(input, "/")
	input = strings.TrimPrefix(input, "models/")
	return input
}
