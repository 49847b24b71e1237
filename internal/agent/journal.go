package agent

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tymrtn/envelope/internal/database"
)

// Action is one journal entry for a processed inbound message. The
// uniqueness of InboundMessageID is the single source of idempotence for
// the agent.
type Action struct {
	ID                string  `json:"id"`
	InboundMessageID  string  `json:"inbound_message_id"`
	FromAddr          string  `json:"from_addr,omitempty"`
	Subject           string  `json:"subject,omitempty"`
	Classification    string  `json:"classification,omitempty"`
	Confidence        float64 `json:"confidence"`
	Action            string  `json:"action,omitempty"`
	Reasoning         string  `json:"reasoning,omitempty"`
	DraftReply        string  `json:"draft_reply,omitempty"`
	EscalationNote    string  `json:"escalation_note,omitempty"`
	OutboundMessageID string  `json:"outbound_message_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Journal persists agent actions keyed by inbound message identifier.
type Journal struct {
	db *database.DB
}

// NewJournal creates the action journal.
func NewJournal(db *database.DB) *Journal {
	return &Journal{db: db}
}

// Exists reports whether an action is already recorded for the inbound
// identifier.
func (j *Journal) Exists(inboundMessageID string) (bool, error) {
	var one int
	err := j.db.QueryRow(
		"SELECT 1 FROM agent_actions WHERE inbound_message_id = ?", inboundMessageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check agent action: %w", err)
	}
	return true, nil
}

// Record inserts the action. The UNIQUE constraint on the inbound
// identifier rejects duplicates, backstopping the existence check.
func (j *Journal) Record(a *Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	_, err := j.db.Exec(`
		INSERT INTO agent_actions
			(id, inbound_message_id, from_addr, subject,
			 classification, confidence, action, reasoning,
			 draft_reply, escalation_note, outbound_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InboundMessageID, nullable(a.FromAddr), nullable(a.Subject),
		nullable(a.Classification), a.Confidence, nullable(a.Action), nullable(a.Reasoning),
		nullable(a.DraftReply), nullable(a.EscalationNote), nullable(a.OutboundMessageID),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record agent action: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
