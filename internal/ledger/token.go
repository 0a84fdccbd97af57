package ledger

import "sync"

// Token is a one-shot cancellation flag shared between the ledger and the
// stream that owns the request. Signal may be called any number of times
// from any goroutine.
type Token struct {
	once sync.Once
	done chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Signal marks the token cancelled. Later calls are no-ops.
func (t *Token) Signal() {
	t.once.Do(func() { close(t.done) })
}

// Signalled reports whether Signal has been called.
func (t *Token) Signalled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the token is signalled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
