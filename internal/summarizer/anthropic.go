package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const systemPrompt = `You summarize AI news, research and videos for a daily digest read by practitioners.
Write a plain-text summary of the content you are given: what it is, what is new, and why it matters.
Do not use markdown, headings or bullet points. Do not invent facts that are not in the content.`

// AnthropicSummarizer uses the Anthropic Messages API to summarize items.
type AnthropicSummarizer struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
}

// NewAnthropicSummarizer builds a client with SDK retries disabled; callers
// apply their own retry policy.
func NewAnthropicSummarizer(apiKey, model string, maxTokens int, baseURL string) *AnthropicSummarizer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicSummarizer{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", retry.Permanent(fmt.Errorf("anthropic: empty input"))
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(text, maxLength))),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return Truncate(summary, maxLength), nil
}

func buildPrompt(text string, maxLength int) string {
	return fmt.Sprintf("Summarize the following in at most %d characters (roughly %d words).\n\n%s",
		maxLength, maxLength/6, text)
}

// classify maps SDK errors onto the retry taxonomy. Client errors other
// than rate limiting are permanent.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		se := &retry.StatusError{Service: "anthropic", Code: apiErr.StatusCode}
		wrapped := fmt.Errorf("anthropic: API error: %w", se)
		if !retry.HTTPStatusRetryable(apiErr.StatusCode) {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}
	return fmt.Errorf("anthropic: request failed: %w", err)
}
