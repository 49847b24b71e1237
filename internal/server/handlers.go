package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/discovery"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/smtp"
)

// sendRequest is the body of POST /api/send.
type sendRequest struct {
	AccountID   string `json:"account_id"`
	FromAddr    string `json:"from_addr"`
	ToAddr      string `json:"to_addr"`
	Subject     string `json:"subject"`
	TextContent string `json:"text_content"`
	HTMLContent string `json:"html_content"`
	Async       bool   `json:"async"`
}

type envelopeShape struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// handleSend admits a send through the rate limiter, then either queues
// it for the worker (async) or transmits inline.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.AccountID == "" || req.FromAddr == "" || req.ToAddr == "" {
		writeError(w, http.StatusUnprocessableEntity, "account_id, from_addr, and to_addr are required")
		return
	}

	creds, err := s.accounts.ResolveCredentials(req.AccountID)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if creds == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	if err := s.limiter.Check(&creds.Account); err != nil {
		writeClassifiedError(w, err)
		return
	}

	row := &message.Message{
		AccountID:   req.AccountID,
		FromAddr:    req.FromAddr,
		ToAddr:      req.ToAddr,
		Subject:     req.Subject,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
	}
	if err := s.messages.Enqueue(row); err != nil {
		writeClassifiedError(w, err)
		return
	}

	envelope := envelopeShape{From: req.FromAddr, To: req.ToAddr, Subject: req.Subject}

	if req.Async {
		s.worker.Notify()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "queued",
			"id":       row.ID,
			"envelope": envelope,
		})
		return
	}

	// Synchronous path: claim the row ourselves and transmit inline.
	claimed, err := s.messages.Claim(row.ID)
	if err != nil || !claimed {
		writeError(w, http.StatusInternalServerError, "failed to claim message")
		return
	}

	msg := &smtp.ComposeMessage{
		From:     smtp.Address{Name: creds.DisplayName, Address: req.FromAddr},
		To:       smtp.Address{Address: req.ToAddr},
		Subject:  req.Subject,
		TextBody: req.TextContent,
		HTMLBody: req.HTMLContent,
	}
	serverID, err := s.sender.Send(r.Context(), creds, msg)
	if err != nil {
		if markErr := s.messages.MarkFailed(row.ID, err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("id", row.ID).Msg("Failed to record send failure")
		}
		writeClassifiedError(w, err)
		return
	}
	if err := s.messages.MarkSent(row.ID, serverID); err != nil {
		s.log.Error().Err(err).Str("id", row.ID).Msg("Failed to finalize sent message")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "sent",
		"id":         row.ID,
		"message_id": serverID,
		"envelope":   envelope,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	msgs, err := s.messages.List(limit, offset)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.messages.Stats()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- accounts ---

type createAccountRequest struct {
	Name              string  `json:"name"`
	SMTPHost          string  `json:"smtp_host"`
	SMTPPort          int     `json:"smtp_port"`
	IMAPHost          string  `json:"imap_host"`
	IMAPPort          int     `json:"imap_port"`
	Username          string  `json:"username"`
	Password          string  `json:"password"`
	SMTPUsername      string  `json:"smtp_username"`
	SMTPPassword      string  `json:"smtp_password"`
	IMAPUsername      string  `json:"imap_username"`
	IMAPPassword      string  `json:"imap_password"`
	DisplayName       string  `json:"display_name"`
	ApprovalRequired  *bool   `json:"approval_required"`
	AutoSendThreshold float64 `json:"auto_send_threshold"`
	ReviewThreshold   float64 `json:"review_threshold"`
	RateLimitPerHour  int     `json:"rate_limit_per_hour"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Name == "" || req.SMTPHost == "" || req.IMAPHost == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "name, hosts, username, and password are required")
		return
	}

	approval := true
	if req.ApprovalRequired != nil {
		approval = *req.ApprovalRequired
	}
	acct, err := s.accounts.Create(account.NewAccount{
		Name:              req.Name,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          defaultPort(req.SMTPPort, 587),
		IMAPHost:          req.IMAPHost,
		IMAPPort:          defaultPort(req.IMAPPort, 993),
		Username:          req.Username,
		Password:          req.Password,
		SMTPUsername:      req.SMTPUsername,
		SMTPPassword:      req.SMTPPassword,
		IMAPUsername:      req.IMAPUsername,
		IMAPPassword:      req.IMAPPassword,
		DisplayName:       req.DisplayName,
		ApprovalRequired:  approval,
		AutoSendThreshold: req.AutoSendThreshold,
		ReviewThreshold:   req.ReviewThreshold,
		RateLimitPerHour:  req.RateLimitPerHour,
	})
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accounts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleDeleteAccount removes the account and invalidates its pooled
// connections so no stale authenticated session survives the delete.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.accounts.Delete(id)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	s.pool.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- discovery ---

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusUnprocessableEntity, "email query parameter is required")
		return
	}
	result := s.discoverer.Discover(r.Context(), email)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiscoveryStream(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	err := s.discoverer.DiscoverStream(r.Context(), email, func(event discovery.Event) error {
		return discovery.WriteSSE(w, event)
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Discovery stream aborted")
	}
}

// --- drafts ---

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusUnprocessableEntity, "account_id query parameter is required")
		return
	}
	limit, offset := pagination(r, 50)
	drafts, err := s.drafts.List(accountID, limit, offset)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.drafts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	d, err := s.drafts.UpdateContent(chi.URLParam(r, "id"), fields)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "draft not found or not editable")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	ok, err := s.drafts.Discard(chi.URLParam(r, "id"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "draft not found or not discardable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// handleSendDraft approves a draft: the composition is enqueued for the
// worker and the draft transitions to sent.
func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.drafts.Get(id)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	if d.Status != "draft" {
		writeError(w, http.StatusUnprocessableEntity, "draft is not sendable")
		return
	}

	creds, err := s.accounts.ResolveCredentials(d.AccountID)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if creds == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err := s.limiter.Check(&creds.Account); err != nil {
		writeClassifiedError(w, err)
		return
	}

	row := &message.Message{
		AccountID:   d.AccountID,
		FromAddr:    creds.Username,
		ToAddr:      d.ToAddr,
		Subject:     d.Subject,
		TextContent: d.TextContent,
		HTMLContent: d.HTMLContent,
	}
	if err := s.messages.Enqueue(row); err != nil {
		writeClassifiedError(w, err)
		return
	}
	if _, err := s.drafts.MarkSent(id, row.ID); err != nil {
		writeClassifiedError(w, err)
		return
	}
	s.worker.Notify()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "queued",
		"id":     row.ID,
		"envelope": envelopeShape{
			From:    row.FromAddr,
			To:      row.ToAddr,
			Subject: row.Subject,
		},
	})
}

// --- inbox ---

func (s *Server) mailboxFor(w http.ResponseWriter, r *http.Request) (*account.Credentials, bool) {
	creds, err := s.accounts.ResolveCredentials(chi.URLParam(r, "accountID"))
	if err != nil {
		writeClassifiedError(w, err)
		return nil, false
	}
	if creds == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	return creds, true
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.mailboxFor(w, r)
	if !ok {
		return
	}
	folders, err := newMailbox(creds).ListFolders(r.Context())
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleSearchInbox(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.mailboxFor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("query")
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = "INBOX"
	}
	limit, offset := pagination(r, 50)

	summaries, err := newMailbox(creds).Search(r.Context(), folder, query, limit, offset)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": summaries})
}

func (s *Server) handleFetchInboxMessage(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.mailboxFor(w, r)
	if !ok {
		return
	}
	uid, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid uid")
		return
	}
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = "INBOX"
	}

	msg, err := newMailbox(creds).FetchMessage(r.Context(), folder, uint32(uid))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.mailboxFor(w, r)
	if !ok {
		return
	}
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		writeError(w, http.StatusUnprocessableEntity, "message_id query parameter is required")
		return
	}
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = "INBOX"
	}

	thread, err := newMailbox(creds).GetThread(r.Context(), folder, messageID)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": thread})
}

// --- agent ---

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, http.StatusUnprocessableEntity, "agent is not enabled")
		return
	}
	actions, err := s.agent.PollOnce(r.Context())
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": actions})
}

// --- helpers ---

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func defaultPort(port, fallback int) int {
	if port > 0 {
		return port
	}
	return fallback
}
