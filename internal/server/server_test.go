package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/discovery"
	"github.com/tymrtn/envelope/internal/draft"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/ratelimit"
	"github.com/tymrtn/envelope/internal/smtp"
	"github.com/tymrtn/envelope/internal/worker"
)

type stubClient struct {
	sendErr error
}

func (c *stubClient) Noop() error                                   { return nil }
func (c *stubClient) Send(from string, to []string, b []byte) error { return c.sendErr }
func (c *stubClient) Quit() error                                   { return nil }
func (c *stubClient) Close() error                                  { return nil }

type stubResolver struct{}

func (stubResolver) LookupSRV(ctx context.Context, name string) ([]discovery.SRVRecord, error) {
	return nil, fmt.Errorf("no srv")
}

func (stubResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	return nil, fmt.Errorf("no mx")
}

type notFoundTransport struct{}

func (notFoundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusNotFound)
	return rec.Result(), nil
}

type fixture struct {
	server   *Server
	accounts *account.Store
	messages *message.Store
	drafts   *draft.Store
	client   *stubClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	cipher, err := account.NewCipher("test-secret")
	require.NoError(t, err)
	accounts := account.NewStore(db, cipher)
	messages := message.NewStore(db)
	drafts := draft.NewStore(db)

	client := &stubClient{}
	pool := smtp.NewPool(smtp.DefaultPoolConfig(), func(creds *account.Credentials) (smtp.PoolClient, error) {
		return client, nil
	})
	sender := smtp.NewSender(pool)
	sendWorker := worker.New(messages, accounts, sender)
	limiter := ratelimit.New(messages)
	discoverer := discovery.New(
		stubResolver{},
		&http.Client{Transport: notFoundTransport{}},
		func(ctx context.Context, host string, port int) bool { return false },
	)

	srv := New(accounts, messages, drafts, pool, sender, sendWorker, nil, discoverer, limiter)
	return &fixture{server: srv, accounts: accounts, messages: messages, drafts: drafts, client: client}
}

func (f *fixture) createAccount(t *testing.T, rateLimit int) *account.Account {
	t.Helper()
	acct, err := f.accounts.Create(account.NewAccount{
		Name:             "Test",
		SMTPHost:         "smtp.example.com",
		SMTPPort:         587,
		IMAPHost:         "imap.example.com",
		IMAPPort:         993,
		Username:         "tyler@loftly.es",
		Password:         "secret",
		RateLimitPerHour: rateLimit,
	})
	require.NoError(t, err)
	return acct
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSendRateLimitReturns429(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 2)

	body := map[string]any{
		"account_id":   acct.ID,
		"from_addr":    "tyler@loftly.es",
		"to_addr":      "guest@example.com",
		"subject":      "Hi",
		"text_content": "hello",
	}

	first := f.postJSON(t, "/api/send", body)
	assert.Equal(t, http.StatusOK, first.Code)

	second := f.postJSON(t, "/api/send", body)
	assert.Equal(t, http.StatusOK, second.Code)

	third := f.postJSON(t, "/api/send", body)
	require.Equal(t, http.StatusTooManyRequests, third.Code)

	var resp struct {
		Error string `json:"error"`
		Limit int    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limit_exceeded", resp.Error)
	assert.Equal(t, 2, resp.Limit)
}

func TestSendSynchronousResponseShape(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 0)

	rec := f.postJSON(t, "/api/send", map[string]any{
		"account_id":   acct.ID,
		"from_addr":    "tyler@loftly.es",
		"to_addr":      "guest@example.com",
		"subject":      "Hi",
		"text_content": "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status    string `json:"status"`
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
		Envelope  struct {
			From    string `json:"from"`
			To      string `json:"to"`
			Subject string `json:"subject"`
		} `json:"envelope"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Status)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, "tyler@loftly.es", resp.Envelope.From)
	assert.Equal(t, "guest@example.com", resp.Envelope.To)

	// The row is persisted as sent.
	msg, err := f.messages.Get(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, msg.Status)
}

func TestSendAsyncQueues(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 0)

	rec := f.postJSON(t, "/api/send", map[string]any{
		"account_id":   acct.ID,
		"from_addr":    "tyler@loftly.es",
		"to_addr":      "guest@example.com",
		"text_content": "hello",
		"async":        true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
		ID     string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)

	msg, err := f.messages.Get(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusQueued, msg.Status)
	assert.Equal(t, "hello", msg.TextContent, "bodies are retained for the worker")
}

func TestSendAuthErrorMapsTo502(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 0)
	f.client.sendErr = &smtp.SendError{Kind: smtp.KindAuth, Message: "535 bad credentials"}

	rec := f.postJSON(t, "/api/send", map[string]any{
		"account_id":   acct.ID,
		"from_addr":    "tyler@loftly.es",
		"to_addr":      "guest@example.com",
		"text_content": "hello",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "auth_error", resp["error"])

	// The failure is persisted so callers can retrieve it later.
	msgs, err := f.messages.List(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.StatusFailed, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].Error)
}

func TestSendUnknownAccountIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.postJSON(t, "/api/send", map[string]any{
		"account_id": "ghost",
		"from_addr":  "a@b.c",
		"to_addr":    "d@e.f",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMissingFieldsIs422(t *testing.T) {
	f := newFixture(t)
	rec := f.postJSON(t, "/api/send", map[string]any{"account_id": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeleteAccountInvalidatesPool(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 0)

	req := httptest.NewRequest(http.MethodDelete, "/api/accounts/"+acct.ID, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, f.server.pool.CredentialVersion(acct.ID), "delete must advance the credential version")
}

func TestDiscoveryStreamEmitsSSE(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/discovery/stream?email=user@example.com", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: phase")
	assert.Contains(t, body, `"name":"dns"`)
	assert.Contains(t, body, "event: complete")
}

func TestDraftApproveQueuesAndTransitions(t *testing.T) {
	f := newFixture(t)
	acct := f.createAccount(t, 0)

	d := &draft.Draft{
		AccountID:   acct.ID,
		ToAddr:      "guest@example.com",
		Subject:     "Re: Question",
		TextContent: "approved reply",
	}
	require.NoError(t, f.drafts.Create(d))

	rec := f.postJSON(t, "/api/drafts/"+d.ID+"/send", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.drafts.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.StatusSent, got.Status)

	msgs, err := f.messages.List(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.StatusQueued, msgs[0].Status)
	assert.Equal(t, "approved reply", msgs[0].TextContent)
}

func TestGetMessageNotFound(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/messages/missing", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
