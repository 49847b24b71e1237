package draft

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/logging"
)

// Store provides draft persistence operations
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new draft store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("draft-store"),
	}
}

// Create inserts a new draft in the draft state.
func (s *Store) Create(d *Draft) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Status = StatusDraft
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	meta, err := d.metadataJSON()
	if err != nil {
		return fmt.Errorf("failed to encode draft metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO drafts (
			id, account_id, status, to_addr, subject, text_content, html_content,
			in_reply_to, metadata, send_after, snoozed_until,
			created_at, updated_at, created_by
		) VALUES (?, ?, 'draft', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AccountID, d.ToAddr, nullString(d.Subject),
		nullString(d.TextContent), nullString(d.HTMLContent),
		nullString(d.InReplyTo), nullString(meta),
		nullTime(d.SendAfter), nullTime(d.SnoozedUntil),
		now.Format(time.RFC3339), now.Format(time.RFC3339), nullString(d.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}

	s.log.Debug().Str("id", d.ID).Str("to", d.ToAddr).Msg("Created draft")
	return nil
}

// List returns an account's drafts, most recently updated first.
func (s *Store) List(accountID string, limit, offset int) ([]*Draft, error) {
	rows, err := s.db.Query(`
		SELECT `+draftColumns+`
		FROM drafts WHERE account_id = ?
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns a single draft or nil when absent.
func (s *Store) Get(id string) (*Draft, error) {
	row := s.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateContent mutates the editable fields of a draft still in the draft
// state. Returns the refreshed draft, or nil when the draft is absent or
// has already left the draft state.
func (s *Store) UpdateContent(id string, fields map[string]any) (*Draft, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Status != StatusDraft {
		return nil, nil
	}

	allowed := map[string]bool{
		"to_addr": true, "subject": true, "text_content": true,
		"html_content": true, "in_reply_to": true, "metadata": true,
	}

	setClause := ""
	var args []any
	for k, v := range fields {
		if !allowed[k] || v == nil {
			continue
		}
		if k == "metadata" {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode draft metadata: %w", err)
			}
			v = string(raw)
		}
		if setClause != "" {
			setClause += ", "
		}
		setClause += k + " = ?"
		args = append(args, v)
	}
	if setClause == "" {
		return d, nil
	}

	args = append(args, time.Now().UTC().Format(time.RFC3339), id)
	_, err = s.db.Exec(
		"UPDATE drafts SET "+setClause+", updated_at = ? WHERE id = ? AND status = 'draft'",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}
	return s.Get(id)
}

// Discard transitions draft -> discarded. Returns false when the draft is
// absent or not in the draft state.
func (s *Store) Discard(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE drafts SET status = 'discarded', updated_at = ? WHERE id = ? AND status = 'draft'",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to discard draft: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSent transitions draft -> sent, recording the outbound message id.
// Returns false when the draft is absent or not in the draft state.
func (s *Store) MarkSent(id, messageID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE drafts SET status = 'sent', message_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'`,
		messageID, now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark draft sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const draftColumns = `
	id, account_id, status, to_addr, subject, text_content, html_content,
	in_reply_to, metadata, message_id, send_after, snoozed_until,
	created_at, updated_at, sent_at, created_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var subject, textContent, htmlContent, inReplyTo, meta, messageID sql.NullString
	var sendAfter, snoozedUntil, sentAt, createdBy sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&d.ID, &d.AccountID, &d.Status, &d.ToAddr, &subject, &textContent,
		&htmlContent, &inReplyTo, &meta, &messageID, &sendAfter, &snoozedUntil,
		&createdAt, &updatedAt, &sentAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}

	d.Subject = subject.String
	d.TextContent = textContent.String
	d.HTMLContent = htmlContent.String
	d.InReplyTo = inReplyTo.String
	d.MessageID = messageID.String
	d.CreatedBy = createdBy.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode draft metadata: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		d.UpdatedAt = t
	}
	d.SendAfter = parseNullTime(sendAfter)
	d.SnoozedUntil = parseNullTime(snoozedUntil)
	d.SentAt = parseNullTime(sentAt)
	return &d, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
