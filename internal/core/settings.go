package core

import "fmt"

// AllowedModels is the set of model identifiers a session may select.
var AllowedModels = []string{
	"gpt-4o",
	"o1-preview",
	"claude-3-5-sonnet-20240620",
	"gpt-4-turbo-preview",
	"gpt-4-vision-preview",
}

// Settings carries per-session generation parameters.
type Settings struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	// Memory bounds how many prior turns are sent to the model. Validated
	// but not yet applied: the full history is passed for now.
	Memory int `json:"memory"`
}

// DefaultSettings mirrors the UI defaults.
func DefaultSettings() Settings {
	return Settings{
		Model:       "gpt-4o",
		Temperature: 0.5,
		TopP:        0.9,
		MaxTokens:   2048,
		Memory:      10,
	}
}

func (s Settings) Validate() error {
	if !allowedModel(s.Model) {
		return fmt.Errorf("unknown model %q", s.Model)
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0.0 and 1.0")
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("top_p must be between 0.0 and 1.0")
	}
	if s.MaxTokens < 1 || s.MaxTokens > 8000 {
		return fmt.Errorf("max_tokens must be between 1 and 8000")
	}
	if s.Memory < 0 || s.Memory > 36 {
		return fmt.Errorf("memory must be between 0 and 36")
	}
	return nil
}

func allowedModel(model string) bool {
	for _, m := range AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
