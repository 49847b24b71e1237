// Package draft provides pending-composition persistence with human review
package draft

import (
	"encoding/json"
	"time"
)

// Status values. The only legal transitions are draft -> discarded and
// draft -> sent; content is frozen once a draft leaves the draft state.
const (
	StatusDraft     = "draft"
	StatusDiscarded = "discarded"
	StatusSent      = "sent"
)

// Draft is a pending outbound composition subject to approval.
type Draft struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`

	ToAddr      string `json:"to_addr"`
	Subject     string `json:"subject,omitempty"`
	TextContent string `json:"text_content,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	InReplyTo   string `json:"in_reply_to,omitempty"`

	// Metadata carries classifier output: classification, confidence,
	// signals, reviewer feedback.
	Metadata map[string]any `json:"metadata,omitempty"`

	// MessageID is the outbound message id once the draft is sent.
	MessageID string `json:"message_id,omitempty"`

	SendAfter    *time.Time `json:"send_after,omitempty"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

func (d *Draft) metadataJSON() (string, error) {
	if len(d.Metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
