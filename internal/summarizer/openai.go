package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// OpenAISummarizer uses the Chat Completions API to summarize items.
type OpenAISummarizer struct {
	client    openai.Client
	model     openai.ChatModel
	maxTokens int
}

// NewOpenAISummarizer builds a client with SDK retries disabled.
func NewOpenAISummarizer(apiKey, model string, maxTokens int, baseURL string) *OpenAISummarizer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAISummarizer{
		client:    openai.NewClient(opts...),
		model:     openai.ChatModel(model),
		maxTokens: maxTokens,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", retry.Permanent(fmt.Errorf("openai: empty input"))
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               s.model,
		MaxCompletionTokens: openai.Int(int64(s.maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(text, maxLength)),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			se := &retry.StatusError{Service: "openai", Code: apiErr.StatusCode}
			wrapped := fmt.Errorf("openai: API error: %w", se)
			if !retry.HTTPStatusRetryable(apiErr.StatusCode) {
				return "", retry.Permanent(wrapped)
			}
			return "", wrapped
		}
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no response")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("openai: empty response")
	}
	return Truncate(summary, maxLength), nil
}
