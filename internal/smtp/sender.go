package smtp

import (
	"context"

	"github.com/tymrtn/envelope/internal/account"
)

// Sender submits composed messages through the pool. The returned id is
// always the MIME Message-ID; the server's reply to DATA is not read, so
// no server-assigned identifier is returned.
type Sender struct {
	pool *Pool
}

// NewSender creates a pool-backed sender.
func NewSender(pool *Pool) *Sender {
	return &Sender{pool: pool}
}

// Send builds and transmits the message, returning its message identifier.
func (s *Sender) Send(ctx context.Context, creds *account.Credentials, msg *ComposeMessage) (string, error) {
	raw, err := msg.ToRFC822()
	if err != nil {
		return "", err
	}

	lease, err := s.pool.Acquire(ctx, creds)
	if err != nil {
		return "", err
	}

	err = lease.Client().Send(msg.From.Address, []string{msg.To.Address}, raw)
	lease.Release(err)
	if err != nil {
		return "", err
	}

	return msg.MessageID, nil
}
