package message

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/logging"
)

// Store provides outbound queue persistence
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new message store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("message-store"),
	}
}

// Enqueue inserts a new outbound row in queued state. Bodies are stored
// alongside the envelope so the worker can rebuild the MIME on retry.
func (s *Store) Enqueue(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Direction == "" {
		m.Direction = "outbound"
	}
	m.Status = StatusQueued
	m.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO messages (
			id, account_id, direction, from_addr, to_addr, subject,
			status, text_content, html_content, retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?, 0, ?)`,
		m.ID, m.AccountID, m.Direction, m.FromAddr, m.ToAddr, nullString(m.Subject),
		nullString(m.TextContent), nullString(m.HTMLContent),
		m.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	s.log.Debug().Str("id", m.ID).Str("to", m.ToAddr).Msg("Message enqueued")
	return nil
}

// Claim transitions a row from queued to sending. Returns false when
// another worker won the row or it is no longer eligible.
func (s *Store) Claim(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE messages SET status = 'sending' WHERE id = ? AND status = 'queued'", id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSent finalizes a delivered row with its server message identifier.
func (s *Store) MarkSent(id, serverMessageID string) error {
	_, err := s.db.Exec(
		"UPDATE messages SET status = 'sent', message_id = ?, error = NULL, sent_at = ? WHERE id = ?",
		serverMessageID, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// MarkFailed finalizes a row as failed with the terminal error text.
func (s *Store) MarkFailed(id, errText string) error {
	_, err := s.db.Exec(
		"UPDATE messages SET status = 'failed', error = ? WHERE id = ?",
		errText, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// MarkRetry returns a row to the queue with a bumped retry count and the
// scheduled next attempt.
func (s *Store) MarkRetry(id, errText string, nextRetry time.Time) error {
	_, err := s.db.Exec(`
		UPDATE messages
		SET status = 'queued', error = ?, retry_count = retry_count + 1, next_retry_at = ?
		WHERE id = ?`,
		errText, nextRetry.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// Queued returns up to limit rows eligible for sending now, ordered by
// scheduled retry then age.
func (s *Store) Queued(limit int) ([]*Message, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at, created_at
		LIMIT ?`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// RecoverOrphans resets rows abandoned in sending state by a crashed
// process. Safe because this process is the queue's single writer.
func (s *Store) RecoverOrphans() (int, error) {
	res, err := s.db.Exec("UPDATE messages SET status = 'queued' WHERE status = 'sending'")
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("Recovered orphaned messages from prior run")
	}
	return int(n), nil
}

// Get returns a single message or nil when absent.
func (s *Store) Get(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns messages newest-first with offset/limit pagination.
func (s *Store) List(limit, offset int) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Stats aggregates outbound delivery counts.
func (s *Store) Stats() (*Stats, error) {
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0)
		FROM messages WHERE direction = 'outbound'`)

	st := &Stats{}
	if err := row.Scan(&st.Total, &st.Sent, &st.Failed, &st.Queued); err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Sent)/float64(st.Total)*1000) / 10
	}
	return st, nil
}

// CountSince counts an account's outbound rows (any status) created at or
// after the cutoff. The rate limiter's admission check.
func (s *Store) CountSince(accountID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE account_id = ? AND created_at >= ?`,
		accountID, cutoff.UTC().Format(time.RFC3339),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent sends: %w", err)
	}
	return n, nil
}

const messageColumns = `
	id, account_id, message_id, direction, from_addr, to_addr, subject,
	status, error, text_content, html_content, retry_count, next_retry_at,
	created_at, sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var messageID, subject, errText, textContent, htmlContent sql.NullString
	var nextRetry, sentAt sql.NullString
	var createdAt string

	err := row.Scan(
		&m.ID, &m.AccountID, &messageID, &m.Direction, &m.FromAddr, &m.ToAddr,
		&subject, &m.Status, &errText, &textContent, &htmlContent,
		&m.RetryCount, &nextRetry, &createdAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}

	m.MessageID = messageID.String
	m.Subject = subject.String
	m.Error = errText.String
	m.TextContent = textContent.String
	m.HTMLContent = htmlContent.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	}
	if nextRetry.Valid {
		if t, err := time.Parse(time.RFC3339, nextRetry.String); err == nil {
			m.NextRetryAt = &t
		}
	}
	if sentAt.Valid {
		if t, err := time.Parse(time.RFC3339, sentAt.String); err == nil {
			m.SentAt = &t
		}
	}
	return &m, nil
}

func collect(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
