package summarizer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const okCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1760428800,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": " Agents get a new memory API. "}, "finish_reason": "stop"}]
}`

func newOpenAIServer(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test_api_key" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestOpenAISummarize(t *testing.T) {
	var calls int32
	ts := newOpenAIServer(t, http.StatusOK, okCompletion, &calls)
	defer ts.Close()

	s := NewOpenAISummarizer("test_api_key", "gpt-4o-mini", 256, ts.URL+"/")
	summary, err := s.Summarize(context.Background(), "A memory API for agent frameworks.", 200)
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	if summary != "Agents get a new memory API." {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestOpenAIClientErrorIsPermanent(t *testing.T) {
	var calls int32
	ts := newOpenAIServer(t, http.StatusUnauthorized,
		`{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, &calls)
	defer ts.Close()

	s := NewOpenAISummarizer("test_api_key", "gpt-4o-mini", 256, ts.URL+"/")
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := retry.DoValue(context.Background(), policy, func(ctx context.Context) (string, error) {
		return s.Summarize(ctx, "text", 100)
	})
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single call for a 401, got %d", got)
	}
	var se *retry.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("expected StatusError 401, got %v", err)
	}
}

func TestNewOpenAI(t *testing.T) {
	gw, err := New(&config.Config{Summarizer: config.SummarizerConfig{Type: "openai", APIKey: "k", Model: "gpt-4o-mini"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rl, ok := gw.(*RateLimited)
	if !ok {
		t.Fatalf("expected a rate limited gateway, got %T", gw)
	}
	if _, ok := rl.next.(*OpenAISummarizer); !ok {
		t.Errorf("expected OpenAISummarizer, got %T", rl.next)
	}
}
