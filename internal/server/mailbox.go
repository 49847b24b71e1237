package server

import (
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/imap"
)

// newMailbox opens a retrieval handle per request. Swappable in tests.
var newMailbox = func(creds *account.Credentials) *imap.Mailbox {
	return imap.NewMailbox(creds)
}
