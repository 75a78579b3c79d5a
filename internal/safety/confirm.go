package safety

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTokenTTL is how long a confirmation token stays valid.
const DefaultTokenTTL = 5 * time.Minute

// pendingConfirmation is an outstanding token and what it authorises.
type pendingConfirmation struct {
	tool      string
	subject   string
	createdAt time.Time
}

// ConfirmationTracker issues single-use, time-limited tokens that an
// operator must echo back before a manual trigger runs something
// destructive. A token only authorises the tool and subject it was issued
// for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	ttl         time.Duration
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]pendingConfirmation
}

// NewConfirmationTracker returns a tracker for the named destructive tools.
func NewConfirmationTracker(destructiveTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		ttl:         DefaultTokenTTL,
		now:         time.Now,
		tokens:      make(map[string]pendingConfirmation),
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// NeedsConfirmation reports whether tool is destructive.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// sweepExpired drops stale tokens. The caller must hold ct.mu.
func (ct *ConfirmationTracker) sweepExpired(now time.Time) {
	for token, p := range ct.tokens {
		if now.Sub(p.createdAt) > ct.ttl {
			delete(ct.tokens, token)
		}
	}
}

// RequestConfirmation issues a token for running tool against subject.
func (ct *ConfirmationTracker) RequestConfirmation(tool, subject string) string {
	token := generateToken()
	now := ct.now()

	ct.mu.Lock()
	ct.sweepExpired(now)
	ct.tokens[token] = pendingConfirmation{tool: tool, subject: subject, createdAt: now}
	ct.mu.Unlock()

	return token
}

// Confirm consumes token and reports whether it was issued for exactly this
// tool and subject and has not expired. A token is spent even when the
// check fails.
func (ct *ConfirmationTracker) Confirm(token, tool, subject string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	p, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if ct.now().Sub(p.createdAt) > ct.ttl {
		return false
	}
	return p.tool == tool && p.subject == subject
}

// Pending returns how many tokens are outstanding.
func (ct *ConfirmationTracker) Pending() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.tokens)
}

func generateToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:]) // never fails since Go 1.24
	return hex.EncodeToString(b[:])
}
