// Package generation produces the text fragments a stream delivers.
package generation

import (
	"context"
	"iter"

	"github.com/basket/streamdesk/internal/ledger"
)

// Request parameterizes one generation. PromptTemplate may contain {text};
// an empty template sends Text as-is.
type Request struct {
	Text           string
	PromptTemplate string
	UserID         string
	RequestID      string
	Token          *ledger.Token
}

// Source yields fragments for a request. The sequence is finite and can be
// ranged over once. Sources should stop early once Token is signalled or ctx
// is done, and may yield a non-nil error as their last element.
type Source interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) iter.Seq2[string, error]

func (f SourceFunc) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return f(ctx, req)
}

func signalled(req Request) bool {
	return req.Token != nil && req.Token.Signalled()
}
