package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

// Gateway turns raw text into a summary of at most maxLength runes.
type Gateway interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

// New creates the configured gateway, rate limited to the configured
// calls per minute.
func New(cfg *config.Config) (Gateway, error) {
	var gw Gateway
	switch cfg.Summarizer.Type {
	case "anthropic":
		gw = NewAnthropicSummarizer(cfg.Summarizer.APIKey, cfg.Summarizer.Model, cfg.Summarizer.MaxTokens, cfg.Summarizer.BaseURL)
	case "openai":
		gw = NewOpenAISummarizer(cfg.Summarizer.APIKey, cfg.Summarizer.Model, cfg.Summarizer.MaxTokens, cfg.Summarizer.BaseURL)
	default:
		return nil, ErrUnsupportedSummarizerType
	}
	return NewRateLimited(gw, cfg.Summarizer.RatePerMinute, cfg.Summarizer.Burst), nil
}

// ErrUnsupportedSummarizerType is returned when an unsupported summarizer type is specified
var ErrUnsupportedSummarizerType = fmt.Errorf("unsupported summarizer type")

// Truncate returns the first n runes of s with surrounding whitespace
// trimmed. When the cut falls inside a word it backs up to the previous
// space, unless that would discard more than a fifth of the text.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := runes[:n]
	if runes[n] != ' ' {
		for i := len(cut) - 1; i >= n*4/5; i-- {
			if cut[i] == ' ' {
				cut = cut[:i]
				break
			}
		}
	}
	return strings.TrimSpace(string(cut))
}
