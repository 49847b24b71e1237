package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/smtp"
)

type fakeResolver struct {
	creds map[string]*account.Credentials
}

func (r *fakeResolver) ResolveCredentials(id string) (*account.Credentials, error) {
	return r.creds[id], nil
}

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error // popped per call; nil means success
	calls int
}

func (f *fakeTransport) Send(ctx context.Context, creds *account.Credentials, msg *smtp.ComposeMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "<sent-" + msg.To.Address + ">", nil
}

func newTestWorker(t *testing.T, transport *fakeTransport) (*Worker, *message.Store) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		INSERT INTO accounts (id, name, smtp_host, smtp_port, imap_host, imap_port,
			username, encrypted_password, created_at)
		VALUES ('acct-1', 'Test', 'smtp.example.com', 587, 'imap.example.com', 993,
			'user', 'sealed', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	store := message.NewStore(db)
	resolver := &fakeResolver{creds: map[string]*account.Credentials{
		"acct-1": {Account: account.Account{ID: "acct-1", DisplayName: "Tester"}},
	}}
	return New(store, resolver, transport), store
}

func enqueue(t *testing.T, store *message.Store) *message.Message {
	t.Helper()
	m := &message.Message{
		AccountID:   "acct-1",
		FromAddr:    "user@example.com",
		ToAddr:      "guest@example.com",
		Subject:     "Hello",
		TextContent: "body",
	}
	require.NoError(t, store.Enqueue(m))
	return m
}

func TestRetryDelayBackoffLaw(t *testing.T) {
	assert.Equal(t, 30*time.Second, RetryDelay(0))
	assert.Equal(t, 60*time.Second, RetryDelay(1))
	assert.Equal(t, 120*time.Second, RetryDelay(2))
	assert.Equal(t, 600*time.Second, RetryDelay(5))
	assert.Equal(t, 600*time.Second, RetryDelay(40), "huge counts must still cap at MaxDelay")
}

func TestProcessMessageSuccess(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	w.processMessage(context.Background(), m)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, got.Status)
	assert.NotEmpty(t, got.MessageID)
	require.NotNil(t, got.SentAt)
}

func TestConnectionErrorSchedulesRetry(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		&smtp.SendError{Kind: smtp.KindConn, Message: "connection refused"},
	}}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	before := time.Now()
	w.processMessage(context.Background(), m)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	// First retry lands BaseDelay out.
	expected := before.Add(30 * time.Second)
	assert.WithinDuration(t, expected, *got.NextRetryAt, 5*time.Second)
}

func TestRetryThenSucceed(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		&smtp.SendError{Kind: smtp.KindConn, Message: "connection refused"},
		nil,
	}}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	w.processMessage(context.Background(), m)

	// Simulate the delay elapsing, then reprocess.
	retried, err := store.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, message.StatusQueued, retried.Status)
	w.processMessage(context.Background(), retried)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestAuthErrorIsTerminal(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		&smtp.SendError{Kind: smtp.KindAuth, Message: "535 bad credentials"},
	}}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	w.processMessage(context.Background(), m)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "auth failures never retry")
	assert.Equal(t, "535 bad credentials", got.Error)
	assert.Nil(t, got.NextRetryAt)
}

func TestRecipientRejectedIsTerminal(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		&smtp.SendError{Kind: smtp.KindRecipient, Message: "550 no such user"},
	}}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	w.processMessage(context.Background(), m)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "550 no such user", got.Error)
}

func TestMaxRetriesExceeded(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)
	m.RetryCount = MaxRetries

	w.handleSendError(m, &smtp.SendError{Kind: smtp.KindConn, Message: "still down"})

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "Max retries exceeded: still down", got.Error)
}

func TestUnclassifiedErrorMarksInternal(t *testing.T) {
	transport := &fakeTransport{errs: []error{assert.AnError}}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	w.processMessage(context.Background(), m)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "Internal worker error", got.Error)
}

func TestAccountNotFoundMarksFailed(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)

	m := &message.Message{
		AccountID: "ghost",
		FromAddr:  "user@example.com",
		ToAddr:    "guest@example.com",
	}
	// Bypass the FK for the unknown-account path.
	require.NoError(t, store.Enqueue(&message.Message{
		AccountID: "acct-1", FromAddr: m.FromAddr, ToAddr: m.ToAddr,
	}))
	rows, err := store.Queued(1)
	require.NoError(t, err)
	row := rows[0]
	row.AccountID = "ghost"

	// Resolver knows nothing about "ghost".
	w.accounts = &fakeResolver{creds: map[string]*account.Credentials{}}
	w.processMessage(context.Background(), row)

	got, err := store.Get(row.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "Account not found", got.Error)
	assert.Equal(t, 0, transport.calls, "no submission without credentials")
}

func TestClaimLostSkipsSend(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	claimed, err := store.Claim(m.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// The row is already sending; this worker's claim must lose silently.
	w.processMessage(context.Background(), m)
	assert.Equal(t, 0, transport.calls)
}

func TestStartRecoversOrphans(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)
	m := enqueue(t, store)

	claimed, err := store.Claim(m.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	// Startup recovery happens before the loop runs; the row is queued
	// again (and may be picked up immediately, which is fine).
	require.Eventually(t, func() bool {
		got, err := store.Get(m.ID)
		return err == nil && got != nil && got.Status != message.StatusSending
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	w.Stop()
}

func TestNotifyWakesIdleLoop(t *testing.T) {
	transport := &fakeTransport{}
	w, store := newTestWorker(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	m := enqueue(t, store)
	w.Notify()

	require.Eventually(t, func() bool {
		got, err := store.Get(m.ID)
		return err == nil && got.Status == message.StatusSent
	}, 3*time.Second, 20*time.Millisecond)
}
