package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const userAgent = "daily-digest/1.0"

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 8 << 20

// get fetches url and returns the body. Non-200 responses become a
// retry.StatusError so callers can classify them.
func get(ctx context.Context, client *http.Client, service, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: failed to create request: %w", service, err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Service: service, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", service, err)
	}
	return body, nil
}
