package account

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/logging"
)

// Store provides account persistence and credential resolution
type Store struct {
	db     *database.DB
	cipher *Cipher
	log    zerolog.Logger
}

// NewStore creates a new account store
func NewStore(db *database.DB, cipher *Cipher) *Store {
	return &Store{
		db:     db,
		cipher: cipher,
		log:    logging.WithComponent("account-store"),
	}
}

// Create onboards a new account, sealing its secrets at rest.
func (s *Store) Create(n NewAccount) (*Account, error) {
	if n.Username == "" || n.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if n.AutoSendThreshold == 0 {
		n.AutoSendThreshold = 0.85
	}
	if n.ReviewThreshold == 0 {
		n.ReviewThreshold = 0.50
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	encPassword, err := s.cipher.Encrypt(n.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to seal password: %w", err)
	}
	var encSMTP, encIMAP sql.NullString
	if n.SMTPPassword != "" {
		v, err := s.cipher.Encrypt(n.SMTPPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to seal smtp password: %w", err)
		}
		encSMTP = sql.NullString{String: v, Valid: true}
	}
	if n.IMAPPassword != "" {
		v, err := s.cipher.Encrypt(n.IMAPPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to seal imap password: %w", err)
		}
		encIMAP = sql.NullString{String: v, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (
			id, name, smtp_host, smtp_port, imap_host, imap_port,
			username, encrypted_password, smtp_username, encrypted_smtp_password,
			imap_username, encrypted_imap_password, display_name,
			approval_required, auto_send_threshold, review_threshold,
			rate_limit_per_hour, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.Name, n.SMTPHost, n.SMTPPort, n.IMAPHost, n.IMAPPort,
		n.Username, encPassword, nullString(n.SMTPUsername), encSMTP,
		nullString(n.IMAPUsername), encIMAP, nullString(n.DisplayName),
		boolToInt(n.ApprovalRequired), n.AutoSendThreshold, n.ReviewThreshold,
		nullInt(n.RateLimitPerHour), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.log.Info().Str("id", id).Str("name", n.Name).Msg("Account created")

	return s.Get(id)
}

const accountColumns = `
	id, name, smtp_host, smtp_port, imap_host, imap_port,
	username, smtp_username, imap_username, display_name,
	approval_required, auto_send_threshold, review_threshold,
	rate_limit_per_hour, created_at, verified_at`

// List returns all accounts newest-first, without secret material.
func (s *Store) List() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT` + accountColumns + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Get returns a single account or nil when absent.
func (s *Store) Get(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT`+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ResolveCredentials returns the account with its decrypted, per-protocol
// effective credential pairs. Internal use only; never serialized.
func (s *Store) ResolveCredentials(id string) (*Credentials, error) {
	row := s.db.QueryRow(`
		SELECT`+accountColumns+`,
			encrypted_password, encrypted_smtp_password, encrypted_imap_password
		FROM accounts WHERE id = ?`, id)

	var a Account
	var smtpUser, imapUser, displayName, verifiedAt sql.NullString
	var rateLimit sql.NullInt64
	var createdAt string
	var approval int
	var encPassword string
	var encSMTP, encIMAP sql.NullString

	err := row.Scan(
		&a.ID, &a.Name, &a.SMTPHost, &a.SMTPPort, &a.IMAPHost, &a.IMAPPort,
		&a.Username, &smtpUser, &imapUser, &displayName,
		&approval, &a.AutoSendThreshold, &a.ReviewThreshold,
		&rateLimit, &createdAt, &verifiedAt,
		&encPassword, &encSMTP, &encIMAP,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	applyNullable(&a, smtpUser, imapUser, displayName, verifiedAt, rateLimit, createdAt, approval)

	password, err := s.cipher.Decrypt(encPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal password: %w", err)
	}

	creds := &Credentials{
		Account:          a,
		SMTPAuthUsername: a.Username,
		SMTPAuthPassword: password,
		IMAPAuthUsername: a.Username,
		IMAPAuthPassword: password,
	}
	if a.SMTPUsername != "" {
		creds.SMTPAuthUsername = a.SMTPUsername
	}
	if encSMTP.Valid {
		v, err := s.cipher.Decrypt(encSMTP.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal smtp password: %w", err)
		}
		creds.SMTPAuthPassword = v
	}
	if a.IMAPUsername != "" {
		creds.IMAPAuthUsername = a.IMAPUsername
	}
	if encIMAP.Valid {
		v, err := s.cipher.Decrypt(encIMAP.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal imap password: %w", err)
		}
		creds.IMAPAuthPassword = v
	}

	return creds, nil
}

// Delete removes an account. Callers must invalidate any pooled
// connections for the id after a successful delete.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Str("id", id).Msg("Account deleted")
	}
	return n > 0, nil
}

// MarkVerified stamps the account's last successful endpoint verification.
func (s *Store) MarkVerified(id string) error {
	_, err := s.db.Exec(
		"UPDATE accounts SET verified_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account verified: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var smtpUser, imapUser, displayName, verifiedAt sql.NullString
	var rateLimit sql.NullInt64
	var createdAt string
	var approval int

	err := row.Scan(
		&a.ID, &a.Name, &a.SMTPHost, &a.SMTPPort, &a.IMAPHost, &a.IMAPPort,
		&a.Username, &smtpUser, &imapUser, &displayName,
		&approval, &a.AutoSendThreshold, &a.ReviewThreshold,
		&rateLimit, &createdAt, &verifiedAt,
	)
	if err != nil {
		return nil, err
	}
	applyNullable(&a, smtpUser, imapUser, displayName, verifiedAt, rateLimit, createdAt, approval)
	return &a, nil
}

func applyNullable(a *Account, smtpUser, imapUser, displayName, verifiedAt sql.NullString, rateLimit sql.NullInt64, createdAt string, approval int) {
	a.SMTPUsername = smtpUser.String
	a.IMAPUsername = imapUser.String
	a.DisplayName = displayName.String
	a.ApprovalRequired = approval != 0
	if rateLimit.Valid {
		a.RateLimitPerHour = int(rateLimit.Int64)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	if verifiedAt.Valid {
		if t, err := time.Parse(time.RFC3339, verifiedAt.String); err == nil {
			a.VerifiedAt = &t
		}
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
