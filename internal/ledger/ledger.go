// Package ledger tracks the single in-flight request allowed per user and
// the cancellation token that belongs to it.
package ledger

import (
	"log/slog"
	"sync"
)

type entry struct {
	requestID string
	token     *Token
}

// Ledger maps user → active request → token. Every method is one critical
// section, so a cancel can never match one request and signal another.
type Ledger struct {
	mu     sync.Mutex
	active map[string]entry // user id → current request
	logger *slog.Logger
}

func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		active: make(map[string]entry),
		logger: logger,
	}
}

// Register installs requestID as the user's active request and returns its
// token. An existing request for the user is signalled and dropped first;
// its orchestrator's later Complete will be stale and ignored.
func (l *Ledger) Register(userID, requestID string) *Token {
	tok := NewToken()

	l.mu.Lock()
	prev, hadPrev := l.active[userID]
	if hadPrev {
		prev.token.Signal()
	}
	l.active[userID] = entry{requestID: requestID, token: tok}
	l.mu.Unlock()

	if hadPrev {
		l.logger.Info("superseded active request",
			"user_id", userID, "request_id", prev.requestID, "superseded_by", requestID)
	}
	return tok
}

// Cancel signals the token for requestID when it is the user's active
// request. The entry stays until Complete, so repeating the cancel while the
// stream drains also succeeds.
func (l *Ledger) Cancel(userID, requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.active[userID]
	if !ok || cur.requestID != requestID {
		return false
	}
	cur.token.Signal()
	return true
}

// Complete releases the user's slot if requestID still holds it.
func (l *Ledger) Complete(userID, requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.active[userID]; ok && cur.requestID == requestID {
		delete(l.active, userID)
	}
}

// Active returns the user's current request id.
func (l *Ledger) Active(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.active[userID]
	return cur.requestID, ok
}

// Len returns the number of users with an active request.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// CancelAll signals every active token and returns how many were signalled.
// Entries are left for their orchestrators to complete.
func (l *Ledger) CancelAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cur := range l.active {
		cur.token.Signal()
	}
	return len(l.active)
}
