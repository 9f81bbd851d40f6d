package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// StdoutPublisher prints the digest as plain text.
type StdoutPublisher struct {
	out io.Writer
}

func NewStdoutPublisher() *StdoutPublisher {
	return NewWriterPublisher(os.Stdout)
}

// NewWriterPublisher prints to w instead of stdout.
func NewWriterPublisher(w io.Writer) *StdoutPublisher {
	return &StdoutPublisher{out: w}
}

func (p *StdoutPublisher) Name() string { return "stdout" }

func (p *StdoutPublisher) Publish(_ context.Context, payload *domain.DigestPayload) (domain.Receipt, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, digestTitle(payload))
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b)

	for i, e := range payload.Entries {
		fmt.Fprintln(&b, strings.Repeat("-", 72))
		fmt.Fprintf(&b, "%d. %s\n", i+1, e.Title)
		fmt.Fprintf(&b, "   URL: %s\n", e.URL)
		fmt.Fprintf(&b, "   Source: %s\n", e.SourceType)
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "   %s\n", e.Summary)
		if len(e.AlternateSources) > 0 {
			fmt.Fprintln(&b)
			fmt.Fprintln(&b, "   Also covered at:")
			for _, u := range e.AlternateSources {
				fmt.Fprintf(&b, "   - %s\n", u)
			}
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintln(&b, rule)

	if _, err := io.WriteString(p.out, b.String()); err != nil {
		return domain.Receipt{}, fmt.Errorf("stdout: write: %w", err)
	}
	return receipt(p.Name(), ""), nil
}
