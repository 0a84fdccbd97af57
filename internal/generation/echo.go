package generation

import (
	"context"
	"iter"
	"strings"
	"time"
	"unicode"

	"github.com/basket/streamdesk/internal/prompts"
)

// EchoSource streams the rendered prompt back word by word. It is the
// deterministic fallback used when no provider key is configured.
type EchoSource struct {
	// Delay between fragments; zero streams as fast as the consumer reads.
	Delay time.Duration
}

func (e EchoSource) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, frag := range splitWords(prompts.Render(req.PromptTemplate, req.Text)) {
			if signalled(req) {
				return
			}
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.Delay):
				}
			} else if ctx.Err() != nil {
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// splitWords cuts s into fragments that each end after a run of whitespace,
// so joining them reproduces s exactly.
func splitWords(s string) []string {
	var out []string
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		isSpace := unicode.IsSpace(r)
		if inSpace && !isSpace {
			out = append(out, b.String())
			b.Reset()
		}
		b.WriteRune(r)
		inSpace = isSpace
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
