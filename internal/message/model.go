// Package message provides the outbound send queue
package message

import "time"

// Status values for an outbound message.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is a queued or finalized submission.
type Message struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	// MessageID is the server-assigned identifier, set once sent.
	MessageID string `json:"message_id,omitempty"`

	Direction string `json:"direction"`
	FromAddr  string `json:"from_addr"`
	ToAddr    string `json:"to_addr"`
	Subject   string `json:"subject,omitempty"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	// Bodies are retained in the queue so asynchronous retries survive
	// a crash without the caller re-supplying content.
	TextContent string `json:"text_content,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`

	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Stats summarizes outbound delivery counts.
type Stats struct {
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Queued      int     `json:"queued"`
	SuccessRate float64 `json:"success_rate"`
}
