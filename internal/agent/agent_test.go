package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/draft"
	"github.com/tymrtn/envelope/internal/imap"
	"github.com/tymrtn/envelope/internal/smtp"
)

type fakeResolver struct {
	creds *account.Credentials
}

func (r *fakeResolver) ResolveCredentials(id string) (*account.Credentials, error) {
	if r.creds != nil && r.creds.ID == id {
		return r.creds, nil
	}
	return nil, nil
}

type fakeMailbox struct {
	mu     sync.Mutex
	unread []*imap.FullMessage
	thread []*imap.FullMessage
	seen   []uint32
}

func (m *fakeMailbox) FetchUnread(ctx context.Context, folder string) ([]*imap.FullMessage, error) {
	return m.unread, nil
}

func (m *fakeMailbox) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, uid)
	return nil
}

func (m *fakeMailbox) GetThread(ctx context.Context, folder, messageID string) ([]*imap.FullMessage, error) {
	return m.thread, nil
}

func (m *fakeMailbox) seenUIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.seen...)
}

type fakeClassifier struct {
	reply string
	err   error
	mu    sync.Mutex
	last  string
}

func (c *fakeClassifier) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	c.mu.Lock()
	c.last = userMessage
	c.mu.Unlock()
	return c.reply, c.err
}

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	sent []*smtp.ComposeMessage
}

func (f *fakeTransport) Send(ctx context.Context, creds *account.Credentials, msg *smtp.ComposeMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<reply-1@envelope>", nil
}

type agentFixture struct {
	agent      *Agent
	mailbox    *fakeMailbox
	classifier *fakeClassifier
	transport  *fakeTransport
	drafts     *draft.Store
	journal    *Journal
}

func newFixture(t *testing.T, reply string) *agentFixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		INSERT INTO accounts (id, name, smtp_host, smtp_port, imap_host, imap_port,
			username, encrypted_password, created_at)
		VALUES ('acct-1', 'Test', 'smtp.example.com', 587, 'imap.example.com', 993,
			'tyler@loftly.es', 'sealed', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	mailbox := &fakeMailbox{}
	classifier := &fakeClassifier{reply: reply}
	transport := &fakeTransport{}
	drafts := draft.NewStore(db)
	journal := NewJournal(db)
	resolver := &fakeResolver{creds: &account.Credentials{
		Account:  account.Account{ID: "acct-1", Username: "tyler@loftly.es", DisplayName: "Tyler"},
	}}

	a := New(
		Config{AccountID: "acct-1"},
		resolver,
		func(creds *account.Credentials) MailboxClient { return mailbox },
		transport,
		classifier,
		drafts,
		journal,
		nil,
	)
	return &agentFixture{agent: a, mailbox: mailbox, classifier: classifier, transport: transport, drafts: drafts, journal: journal}
}

func inboundMsg(uid uint32, messageID string) *imap.FullMessage {
	return &imap.FullMessage{
		InboundMessage: imap.InboundMessage{
			UID:       uid,
			MessageID: messageID,
			FromAddr:  "Guest <guest@example.com>",
			ToAddr:    "tyler@loftly.es",
			Subject:   "Pricing question",
			TextBody:  "How much is a 1/12 share?",
			Date:      "Mon, 02 Feb 2026 10:00:00 +0100",
		},
	}
}

const autoReplyVerdict = `{"classification":"auto_reply","confidence":0.92,"reasoning":"answered by kb","draft_reply":"Thanks","signals":{"kb_match":true}}`

func TestAutoReplyHappyPath(t *testing.T) {
	f := newFixture(t, autoReplyVerdict)
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(7, "<m1@x>")}

	actions, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	// Outbound reply threaded onto the inbound.
	require.Len(t, f.transport.sent, 1)
	sent := f.transport.sent[0]
	assert.Equal(t, "guest@example.com", sent.To.Address)
	assert.Equal(t, "Re: Pricing question", sent.Subject)
	assert.Equal(t, "<m1@x>", sent.InReplyTo)
	assert.Equal(t, []string{"<m1@x>"}, sent.References)
	assert.Equal(t, "Thanks", sent.TextBody)

	// Inbound marked seen; journal keyed by the inbound id.
	assert.Equal(t, []uint32{7}, f.mailbox.seenUIDs())
	assert.Equal(t, "<m1@x>", actions[0].InboundMessageID)
	assert.Equal(t, ActionAutoReply, actions[0].Action)
	assert.Equal(t, "<reply-1@envelope>", actions[0].OutboundMessageID)

	exists, err := f.journal.Exists("<m1@x>")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestParseFailureEscalates(t *testing.T) {
	f := newFixture(t, "not json")
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(3, "<m2@x>")}

	actions, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	assert.Equal(t, ActionEscalate, actions[0].Action)
	assert.Equal(t, 0.0, actions[0].Confidence)
	assert.Equal(t, []uint32{3}, f.mailbox.seenUIDs())

	// One escalation draft with no body, classification in metadata.
	drafts, err := f.drafts.List("acct-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Empty(t, drafts[0].TextContent)
	assert.Equal(t, ActionEscalate, drafts[0].Metadata["classification"])
	assert.Contains(t, drafts[0].Metadata["escalation_note"], "not valid JSON")
}

func TestDraftForReviewCreatesDraft(t *testing.T) {
	verdict := `{"classification":"draft_for_review","confidence":0.7,"reasoning":"sensitive","draft_reply":"Here is a draft","signals":{"sensitive_categories":["pricing"]}}`
	f := newFixture(t, verdict)
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(5, "<m3@x>")}

	_, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)

	drafts, err := f.drafts.List("acct-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Here is a draft", drafts[0].TextContent)
	assert.Equal(t, "guest@example.com", drafts[0].ToAddr)
	assert.Equal(t, "<m3@x>", drafts[0].InReplyTo)
	assert.Equal(t, 0.7, drafts[0].Metadata["confidence"])
	assert.Equal(t, "inbox-agent", drafts[0].CreatedBy)
	assert.Equal(t, []uint32{5}, f.mailbox.seenUIDs())
	assert.Empty(t, f.transport.sent, "review drafts are never sent directly")
}

func TestIgnoreOnlyMarksSeen(t *testing.T) {
	f := newFixture(t, `{"classification":"ignore","confidence":0.99,"reasoning":"newsletter"}`)
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(9, "<m4@x>")}

	_, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint32{9}, f.mailbox.seenUIDs())
	drafts, err := f.drafts.List("acct-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, drafts)
	assert.Empty(t, f.transport.sent)
}

func TestDedupSuppressesReprocessing(t *testing.T) {
	f := newFixture(t, autoReplyVerdict)
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(7, "<m1@x>")}

	_, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.transport.sent, 1)

	// The same inbound appears again; the journal row must suppress it.
	_, err = f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.transport.sent, 1, "already-journaled inbound must not be reprocessed")
}

func TestFailedAutoReplyLeavesUnreadButJournals(t *testing.T) {
	f := newFixture(t, autoReplyVerdict)
	f.transport.err = errors.New("smtp down")
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(7, "<m1@x>")}

	actions, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	assert.Empty(t, f.mailbox.seenUIDs(), "failed auto-reply must not mark the inbound seen")
	assert.Empty(t, actions[0].OutboundMessageID)

	exists, err := f.journal.Exists("<m1@x>")
	require.NoError(t, err)
	assert.True(t, exists, "the action is journaled regardless")
}

func TestMissingMessageIDUsesUIDKey(t *testing.T) {
	f := newFixture(t, `{"classification":"ignore","confidence":0.9,"reasoning":"spam"}`)
	f.mailbox.unread = []*imap.FullMessage{inboundMsg(42, "")}

	actions, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "uid:42", actions[0].InboundMessageID)
}

func TestThreadContextSelectsTemplate(t *testing.T) {
	f := newFixture(t, autoReplyVerdict)
	msg := inboundMsg(7, "<m1@x>")
	msg.InReplyTo = "<m0@x>"
	f.mailbox.unread = []*imap.FullMessage{msg}
	f.mailbox.thread = []*imap.FullMessage{
		{InboundMessage: imap.InboundMessage{MessageID: "<m0@x>", FromAddr: "guest@example.com", TextBody: "earlier message"}},
	}

	_, err := f.agent.PollOnce(context.Background())
	require.NoError(t, err)

	f.classifier.mu.Lock()
	prompt := f.classifier.last
	f.classifier.mu.Unlock()
	assert.Contains(t, prompt, "THREAD HISTORY")
	assert.Contains(t, prompt, "earlier message")
	assert.NotContains(t, prompt, "RELEVANT PRIOR CONVERSATIONS")
}

func TestParseClassificationStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + autoReplyVerdict + "\n```"
	c := parseClassification(fenced)
	assert.Equal(t, ActionAutoReply, c.Classification)
	assert.Equal(t, 0.92, c.Confidence)
}

func TestJournalUniquenessBackstop(t *testing.T) {
	f := newFixture(t, autoReplyVerdict)

	require.NoError(t, f.journal.Record(&Action{InboundMessageID: "<dup@x>", Action: ActionIgnore}))
	err := f.journal.Record(&Action{InboundMessageID: "<dup@x>", Action: ActionIgnore})
	assert.Error(t, err, "UNIQUE constraint must reject the duplicate")
}
