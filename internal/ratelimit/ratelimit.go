// Package ratelimit enforces per-account hourly send caps
package ratelimit

import (
	"fmt"
	"time"

	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/message"
)

// Window is the trailing period the cap applies to.
const Window = time.Hour

// ErrRateLimited reports a send rejected by admission control. The HTTP
// boundary maps it to 429 with {error: "rate_limit_exceeded", limit: N}.
type ErrRateLimited struct {
	Limit int
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate_limit_exceeded: limit %d per hour", e.Limit)
}

// Limiter counts an account's sends over the trailing hour against its
// configured cap. The send table itself is the sliding window; no
// in-memory counters to drift or lose on restart.
type Limiter struct {
	messages *message.Store
}

// New creates a rate limiter over the send table.
func New(messages *message.Store) *Limiter {
	return &Limiter{messages: messages}
}

// Check admits or rejects one additional send for the account. Accounts
// without a configured cap are unlimited.
func (l *Limiter) Check(acct *account.Account) error {
	if acct.RateLimitPerHour <= 0 {
		return nil
	}

	count, err := l.messages.CountSince(acct.ID, time.Now().Add(-Window))
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if count >= acct.RateLimitPerHour {
		return &ErrRateLimited{Limit: acct.RateLimitPerHour}
	}
	return nil
}
