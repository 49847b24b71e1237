// Package agent converts unread inbound mail into triaged outcomes
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/draft"
	"github.com/tymrtn/envelope/internal/embeddings"
	"github.com/tymrtn/envelope/internal/imap"
	"github.com/tymrtn/envelope/internal/logging"
	"github.com/tymrtn/envelope/internal/smtp"
)

// DefaultPollInterval is how often the agent checks for unread mail.
const DefaultPollInterval = 120 * time.Second

// Truncation limits for prompt assembly.
const (
	maxBodyChars          = 4000
	maxThreadChars        = 1000
	maxSemanticQueryChars = 500
	maxSemanticHits       = 3
	maxPreviewChars       = 500
)

// Config carries the agent's runtime settings.
type Config struct {
	AccountID       string
	PollInterval    time.Duration
	EscalationEmail string
	SendFrom        string
}

// CredentialResolver loads the per-account credential bundle.
type CredentialResolver interface {
	ResolveCredentials(id string) (*account.Credentials, error)
}

// MailboxClient is the retrieval surface the agent needs.
type MailboxClient interface {
	FetchUnread(ctx context.Context, folder string) ([]*imap.FullMessage, error)
	MarkSeen(ctx context.Context, folder string, uid uint32) error
	GetThread(ctx context.Context, folder, messageID string) ([]*imap.FullMessage, error)
}

// MailboxFactory opens a retrieval handle for resolved credentials.
type MailboxFactory func(creds *account.Credentials) MailboxClient

// Transport submits a composed message for an account.
type Transport interface {
	Send(ctx context.Context, creds *account.Credentials, msg *smtp.ComposeMessage) (string, error)
}

// Classifier is the external language-model call.
type Classifier interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// SimilarityFinder is the optional semantic-context source.
type SimilarityFinder interface {
	FindSimilar(ctx context.Context, accountID, query string, limit int) ([]embeddings.Hit, error)
}

// Status reports the agent's runtime counters.
type Status struct {
	Running      bool           `json:"running"`
	LastPoll     string         `json:"last_poll,omitempty"`
	PollCount    int            `json:"poll_count"`
	PollInterval int            `json:"poll_interval"`
	ActionCounts map[string]int `json:"action_counts"`
}

// Agent polls an inbox and dispatches each unread message to one of four
// outcomes, with human review as the safe default.
type Agent struct {
	cfg        Config
	accounts   CredentialResolver
	newMailbox MailboxFactory
	transport  Transport
	classifier Classifier
	drafts     *draft.Store
	journal    *Journal
	index      SimilarityFinder // optional
	log        zerolog.Logger

	mu           sync.Mutex
	running      bool
	lastPoll     string
	pollCount    int
	actionCounts map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox agent. index may be nil to disable semantic context.
func New(cfg Config, accounts CredentialResolver, newMailbox MailboxFactory, transport Transport, classifier Classifier, drafts *draft.Store, journal *Journal, index SimilarityFinder) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if newMailbox == nil {
		newMailbox = func(creds *account.Credentials) MailboxClient {
			return imap.NewMailbox(creds)
		}
	}
	return &Agent{
		cfg:        cfg,
		accounts:   accounts,
		newMailbox: newMailbox,
		transport:  transport,
		classifier: classifier,
		drafts:     drafts,
		journal:    journal,
		index:      index,
		log:        logging.WithComponent("inbox-agent"),
		actionCounts: map[string]int{
			ActionAutoReply:      0,
			ActionDraftForReview: 0,
			ActionEscalate:       0,
			ActionIgnore:         0,
		},
	}
}

// Start begins the poll loop.
func (a *Agent) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.pollLoop(ctx)
	a.log.Info().Dur("interval", a.cfg.PollInterval).Msg("InboxAgent started")
}

// Stop cancels the poll loop and waits for it to exit.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.running = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	a.log.Info().Msg("InboxAgent stopped")
}

// Status returns runtime counters.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[string]int, len(a.actionCounts))
	for k, v := range a.actionCounts {
		counts[k] = v
	}
	return Status{
		Running:      a.running,
		LastPoll:     a.lastPoll,
		PollCount:    a.pollCount,
		PollInterval: int(a.cfg.PollInterval / time.Second),
		ActionCounts: counts,
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	defer close(a.done)

	for {
		if _, err := a.PollOnce(ctx); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("InboxAgent poll error")
		}

		select {
		case <-time.After(a.cfg.PollInterval):
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce fetches unread mail and processes each new message. A failure
// processing one message never aborts the batch.
func (a *Agent) PollOnce(ctx context.Context) ([]*Action, error) {
	var results []*Action

	if a.cfg.AccountID == "" {
		a.log.Warn().Msg("InboxAgent: no agent account configured")
		return results, nil
	}

	creds, err := a.accounts.ResolveCredentials(a.cfg.AccountID)
	if err != nil {
		return results, fmt.Errorf("failed to resolve agent account: %w", err)
	}
	if creds == nil {
		return results, fmt.Errorf("agent account %s not found", a.cfg.AccountID)
	}

	a.mu.Lock()
	a.lastPoll = time.Now().UTC().Format(time.RFC3339)
	a.pollCount++
	a.mu.Unlock()

	mailbox := a.newMailbox(creds)
	unread, err := mailbox.FetchUnread(ctx, imap.DefaultFolder)
	if err != nil {
		return results, fmt.Errorf("unread fetch failed: %w", err)
	}

	a.log.Info().Int("count", len(unread)).Msg("InboxAgent: unread messages")

	for _, msg := range unread {
		processed, err := a.alreadyProcessed(msg)
		if err != nil {
			a.log.Error().Err(err).Uint32("uid", msg.UID).Msg("Dedup check failed")
			continue
		}
		if processed {
			continue
		}

		record, err := a.processMessage(ctx, creds, mailbox, msg)
		if err != nil {
			a.log.Error().Err(err).Uint32("uid", msg.UID).Msg("InboxAgent: failed to process message")
			continue
		}
		results = append(results, record)
	}

	return results, nil
}

func (a *Agent) alreadyProcessed(msg *imap.FullMessage) (bool, error) {
	if msg.MessageID == "" {
		return false, nil
	}
	return a.journal.Exists(msg.MessageID)
}

func (a *Agent) processMessage(ctx context.Context, creds *account.Credentials, mailbox MailboxClient, msg *imap.FullMessage) (*Action, error) {
	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	body = truncate(body, maxBodyChars)

	var threadContext string
	if msg.InReplyTo != "" || msg.References != "" {
		threadContext = a.fetchThreadContext(ctx, mailbox, msg)
	}
	semanticContext := a.fetchSemanticContext(ctx, creds.ID, msg)

	userPrompt := buildClassifierPrompt(msg, body, threadContext, semanticContext)

	reply, err := a.classifier.Complete(ctx, classifierSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}
	verdict := parseClassification(reply)

	action := verdict.Classification
	var outboundID string

	switch {
	case action == ActionAutoReply && verdict.DraftReply != "":
		outboundID = a.sendReply(ctx, creds, msg, verdict.DraftReply)
		if outboundID != "" {
			a.markSeenSafe(ctx, mailbox, msg.UID)
		}

	case action == ActionDraftForReview && verdict.DraftReply != "":
		a.createReviewDraft(creds.ID, msg, verdict)
		a.markSeenSafe(ctx, mailbox, msg.UID)

	case action == ActionEscalate:
		a.createEscalationDraft(creds.ID, msg, verdict)
		a.markSeenSafe(ctx, mailbox, msg.UID)

	case action == ActionIgnore:
		a.markSeenSafe(ctx, mailbox, msg.UID)
	}

	a.mu.Lock()
	a.actionCounts[action]++
	a.mu.Unlock()

	record := &Action{
		InboundMessageID:  inboundKey(msg),
		FromAddr:          msg.FromAddr,
		Subject:           msg.Subject,
		Classification:    verdict.Classification,
		Confidence:        verdict.Confidence,
		Action:            action,
		Reasoning:         verdict.Reasoning,
		DraftReply:        verdict.DraftReply,
		EscalationNote:    verdict.EscalationNote,
		OutboundMessageID: outboundID,
	}
	if err := a.journal.Record(record); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("action", action).
		Float64("confidence", verdict.Confidence).
		Str("from", msg.FromAddr).
		Str("subject", truncate(msg.Subject, 40)).
		Msg("InboxAgent: message processed")

	return record, nil
}

// inboundKey is the journal key: the message identifier, or a UID-derived
// stand-in when the header is absent.
func inboundKey(msg *imap.FullMessage) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return fmt.Sprintf("uid:%d", msg.UID)
}

func buildClassifierPrompt(msg *imap.FullMessage, body, threadContext, semanticContext string) string {
	date := msg.Date
	if date == "" {
		date = "unknown"
	}
	switch {
	case threadContext != "" && semanticContext != "":
		return fmt.Sprintf(classifierUserTemplateFull, msg.FromAddr, msg.Subject, date, body, threadContext, semanticContext)
	case threadContext != "":
		return fmt.Sprintf(classifierUserTemplateWithThread, msg.FromAddr, msg.Subject, date, body, threadContext)
	case semanticContext != "":
		return fmt.Sprintf(classifierUserTemplateWithSemantic, msg.FromAddr, msg.Subject, date, body, semanticContext)
	}
	return fmt.Sprintf(classifierUserTemplate, msg.FromAddr, msg.Subject, date, body)
}

// fetchThreadContext assembles sibling messages from the same thread.
// Best-effort: failures degrade to no context.
func (a *Agent) fetchThreadContext(ctx context.Context, mailbox MailboxClient, msg *imap.FullMessage) string {
	targetID := msg.InReplyTo
	if targetID == "" {
		targetID = msg.MessageID
	}
	if targetID == "" {
		return ""
	}

	thread, err := mailbox.GetThread(ctx, imap.DefaultFolder, targetID)
	if err != nil {
		a.log.Debug().Err(err).Msg("InboxAgent: thread fetch failed, continuing without context")
		return ""
	}

	var parts []string
	for _, m := range thread {
		if m.MessageID != "" && m.MessageID == msg.MessageID {
			continue // skip the current message
		}
		date := m.Date
		if date == "" {
			date = "unknown"
		}
		parts = append(parts, fmt.Sprintf("From: %s\nDate: %s\n%s\n",
			m.FromAddr, date, truncate(m.TextBody, maxThreadChars)))
	}
	return strings.Join(parts, "\n---\n")
}

// fetchSemanticContext queries the similarity index. Best-effort:
// failures degrade to no context.
func (a *Agent) fetchSemanticContext(ctx context.Context, accountID string, msg *imap.FullMessage) string {
	if a.index == nil {
		return ""
	}

	query := msg.Subject + " " + truncate(msg.TextBody, maxSemanticQueryChars)
	hits, err := a.index.FindSimilar(ctx, accountID, query, maxSemanticHits)
	if err != nil {
		a.log.Debug().Err(err).Msg("InboxAgent: semantic context fetch failed, continuing without")
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var parts []string
	for _, h := range hits {
		parts = append(parts, fmt.Sprintf("Message: %s\nRelevance: %.2f\n", h.MessageID, h.Score))
	}
	return strings.Join(parts, "\n---\n")
}

// sendReply submits the auto-reply, returning the outbound message id or
// empty on failure. A failed send leaves the inbound unread so operators
// can see it; the journal row still suppresses reclassification.
func (a *Agent) sendReply(ctx context.Context, creds *account.Credentials, inbound *imap.FullMessage, replyText string) string {
	fromAddr := a.cfg.SendFrom
	if fromAddr == "" {
		fromAddr = creds.Username
	}

	msg := &smtp.ComposeMessage{
		From:     smtp.Address{Name: creds.DisplayName, Address: fromAddr},
		To:       smtp.Address{Address: extractEmail(inbound.FromAddr)},
		Subject:  "Re: " + inbound.Subject,
		TextBody: replyText,
	}
	if inbound.MessageID != "" {
		msg.InReplyTo = inbound.MessageID
		msg.References = []string{inbound.MessageID}
	}

	id, err := a.transport.Send(ctx, creds, msg)
	if err != nil {
		a.log.Error().Err(err).Msg("InboxAgent: failed to send auto-reply")
		return ""
	}
	return id
}

func (a *Agent) createReviewDraft(accountID string, inbound *imap.FullMessage, verdict *Classification) {
	d := &draft.Draft{
		AccountID:   accountID,
		ToAddr:      extractEmail(inbound.FromAddr),
		Subject:     "Re: " + inbound.Subject,
		TextContent: verdict.DraftReply,
		InReplyTo:   inbound.MessageID,
		Metadata:    draftMetadata(inbound, verdict, ""),
		CreatedBy:   "inbox-agent",
	}
	if err := a.drafts.Create(d); err != nil {
		a.log.Error().Err(err).Msg("InboxAgent: failed to create review draft")
	}
}

func (a *Agent) createEscalationDraft(accountID string, inbound *imap.FullMessage, verdict *Classification) {
	note := verdict.EscalationNote
	if note == "" {
		note = verdict.Reasoning
	}
	d := &draft.Draft{
		AccountID: accountID,
		ToAddr:    extractEmail(inbound.FromAddr),
		Subject:   "Re: " + inbound.Subject,
		InReplyTo: inbound.MessageID,
		Metadata:  draftMetadata(inbound, verdict, note),
		CreatedBy: "inbox-agent",
	}
	if err := a.drafts.Create(d); err != nil {
		a.log.Error().Err(err).Msg("InboxAgent: failed to create escalation draft")
	}
}

func draftMetadata(inbound *imap.FullMessage, verdict *Classification, escalationNote string) map[string]any {
	meta := map[string]any{
		"agent":              "inbox-agent",
		"classification":     verdict.Classification,
		"confidence":         verdict.Confidence,
		"reasoning":          verdict.Reasoning,
		"signals":            verdict.Signals,
		"inbound_message_id": inbound.MessageID,
		"inbound_from":       inbound.FromAddr,
		"inbound_subject":    inbound.Subject,
		"inbound_date":       inbound.Date,
		"inbound_preview":    truncate(inbound.TextBody, maxPreviewChars),
	}
	if escalationNote != "" {
		meta["escalation_note"] = escalationNote
	}
	return meta
}

func (a *Agent) markSeenSafe(ctx context.Context, mailbox MailboxClient, uid uint32) {
	if err := mailbox.MarkSeen(ctx, imap.DefaultFolder, uid); err != nil {
		a.log.Error().Err(err).Uint32("uid", uid).Msg("InboxAgent: failed to mark message seen")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func extractEmail(addr string) string {
	if open := strings.IndexByte(addr, '<'); open >= 0 {
		if end := strings.IndexByte(addr[open:], '>'); end > 0 {
			return addr[open+1 : open+end]
		}
	}
	return strings.TrimSpace(addr)
}
