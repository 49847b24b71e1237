package imap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/logging"
)

// DefaultFolder is the single folder the retrieval core addresses.
const DefaultFolder = "INBOX"

// threadSearchRounds caps breadth-first reference traversal.
const threadSearchRounds = 10

// InboundMessage is a parsed inbound mail.
type InboundMessage struct {
	UID        uint32 `json:"uid"`
	MessageID  string `json:"message_id,omitempty"`
	FromAddr   string `json:"from_addr"`
	ToAddr     string `json:"to_addr"`
	Subject    string `json:"subject"`
	TextBody   string `json:"text_body"`
	HTMLBody   string `json:"html_body,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`
	Date       string `json:"date,omitempty"`
}

// AttachmentInfo carries attachment metadata without content.
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// FullMessage is an inbound message with attachment metadata.
type FullMessage struct {
	InboundMessage
	Attachments []AttachmentInfo `json:"attachments"`
}

// MessageSummary is a lightweight listing entry built from envelope data.
type MessageSummary struct {
	UID       uint32   `json:"uid"`
	MessageID string   `json:"message_id,omitempty"`
	FromAddr  string   `json:"from_addr"`
	ToAddr    string   `json:"to_addr"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date,omitempty"`
	Flags     []string `json:"flags"`
	Size      int64    `json:"size"`
}

// Mailbox exposes single-folder retrieval operations for one account.
// Every operation opens its own connection; there is no pooling here.
type Mailbox struct {
	config ClientConfig
	log    zerolog.Logger
}

// NewMailbox creates a retrieval handle from resolved credentials.
func NewMailbox(creds *account.Credentials) *Mailbox {
	config := DefaultConfig()
	config.Host = creds.IMAPHost
	config.Port = creds.IMAPPort
	config.Username = creds.IMAPAuthUsername
	config.Password = creds.IMAPAuthPassword
	return &Mailbox{
		config: config,
		log:    logging.WithComponent("imap-mailbox"),
	}
}

// withSession runs fn against a fresh authenticated session. Context
// cancellation force-closes the socket so blocked commands return.
func (m *Mailbox) withSession(ctx context.Context, folder string, readOnly bool, fn func(raw *imapclient.Client) error) error {
	client := NewClient(m.config)
	if err := client.Connect(); err != nil {
		return err
	}

	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			client.ForceClose()
		case <-watchdog:
		}
	}()

	defer client.Close()

	if err := client.Login(); err != nil {
		return err
	}
	if folder != "" {
		if err := client.Select(folder, readOnly); err != nil {
			return err
		}
	}
	if err := fn(client.Raw()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// ListFolders returns the account's mailbox names.
func (m *Mailbox) ListFolders(ctx context.Context) ([]string, error) {
	var folders []string
	err := m.withSession(ctx, "", false, func(raw *imapclient.Client) error {
		listCmd := raw.List("", "*", nil)
		for {
			mbox := listCmd.Next()
			if mbox == nil {
				break
			}
			folders = append(folders, mbox.Mailbox)
		}
		if err := listCmd.Close(); err != nil {
			return classify(fmt.Errorf("failed to list mailboxes: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// FetchUnread returns fully parsed unseen messages in the folder.
func (m *Mailbox) FetchUnread(ctx context.Context, folder string) ([]*FullMessage, error) {
	var messages []*FullMessage
	err := m.withSession(ctx, folder, true, func(raw *imapclient.Client) error {
		criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
		data, err := raw.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return classify(fmt.Errorf("unread search failed: %w", err))
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}

		messages, err = fetchFull(raw, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkSeen flags one message as read.
func (m *Mailbox) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	return m.withSession(ctx, folder, false, func(raw *imapclient.Client) error {
		uidSet := imap.UIDSet{}
		uidSet.AddNum(imap.UID(uid))

		storeFlags := imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Flags:  []imap.Flag{imap.FlagSeen},
			Silent: true,
		}
		if err := raw.Store(uidSet, &storeFlags, nil).Close(); err != nil {
			return classify(fmt.Errorf("failed to mark seen: %w", err))
		}
		return nil
	})
}

// Search runs a server-side filter and returns newest-first summaries
// with offset/limit pagination.
func (m *Mailbox) Search(ctx context.Context, folder, query string, limit, offset int) ([]*MessageSummary, error) {
	var summaries []*MessageSummary
	err := m.withSession(ctx, folder, true, func(raw *imapclient.Client) error {
		data, err := raw.UIDSearch(buildSearchCriteria(query), nil).Wait()
		if err != nil {
			return classify(fmt.Errorf("search failed: %w", err))
		}

		uids := data.AllUIDs()
		// Newest first: highest UID leads.
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if offset >= len(uids) {
			return nil
		}
		uids = uids[offset:]
		if limit > 0 && len(uids) > limit {
			uids = uids[:limit]
		}

		summaries, err = fetchSummaries(raw, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// FetchMessage returns one fully parsed message, or nil when the UID is
// gone.
func (m *Mailbox) FetchMessage(ctx context.Context, folder string, uid uint32) (*FullMessage, error) {
	var msg *FullMessage
	err := m.withSession(ctx, folder, true, func(raw *imapclient.Client) error {
		msgs, err := fetchFull(raw, []imap.UID{imap.UID(uid)})
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			msg = msgs[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetThread assembles the conversation around a message identifier by
// breadth-first reference-header search: each round searches the ids
// discovered in the previous one until no new identifiers appear or
// threadSearchRounds rounds have run, then all matches are fetched and
// ordered by date.
func (m *Mailbox) GetThread(ctx context.Context, folder, messageID string) ([]*FullMessage, error) {
	var thread []*FullMessage
	err := m.withSession(ctx, folder, true, func(raw *imapclient.Client) error {
		searched := map[string]bool{}
		pending := []string{messageID}
		foundUIDs := map[imap.UID]bool{}
		var messages []*FullMessage

		for round := 0; round < threadSearchRounds && len(pending) > 0; round++ {
			var newUIDs []imap.UID
			for _, id := range pending {
				if searched[id] {
					continue
				}
				searched[id] = true
				for _, uid := range searchByHeaders(raw, id) {
					if !foundUIDs[uid] {
						foundUIDs[uid] = true
						newUIDs = append(newUIDs, uid)
					}
				}
			}
			pending = nil
			if len(newUIDs) == 0 {
				break
			}

			fetched, err := fetchFull(raw, newUIDs)
			if err != nil {
				return err
			}
			messages = append(messages, fetched...)

			// Queue referenced identifiers not yet searched.
			for _, msg := range fetched {
				ids := parseMessageIDs(msg.References)
				ids = append(ids, parseMessageIDs(msg.InReplyTo)...)
				if msg.MessageID != "" {
					ids = append(ids, msg.MessageID)
				}
				for _, id := range ids {
					if !searched[id] {
						pending = append(pending, id)
					}
				}
			}
		}

		sort.Slice(messages, func(i, j int) bool {
			return parseDate(messages[i].Date).Before(parseDate(messages[j].Date))
		})
		thread = messages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// searchByHeaders collects UIDs whose References, In-Reply-To, or
// Message-ID headers carry the identifier. Individual search failures are
// skipped; other headers may still match.
func searchByHeaders(raw *imapclient.Client, messageID string) []imap.UID {
	var uids []imap.UID
	for _, header := range []string{"References", "In-Reply-To", "Message-ID"} {
		criteria := &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: header, Value: messageID}},
		}
		data, err := raw.UIDSearch(criteria, nil).Wait()
		if err != nil {
			continue
		}
		uids = append(uids, data.AllUIDs()...)
	}
	return uids
}

// buildSearchCriteria maps a filter expression onto IMAP SEARCH. "ALL"
// (or empty) matches everything, "UNSEEN" matches unread, "SEEN" matches
// read, and any other text ORs across FROM, SUBJECT, and TO for broad
// server compatibility.
func buildSearchCriteria(query string) *imap.SearchCriteria {
	switch query {
	case "", "ALL":
		return &imap.SearchCriteria{}
	case "UNSEEN":
		return &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	case "SEEN":
		return &imap.SearchCriteria{Flag: []imap.Flag{imap.FlagSeen}}
	}
	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{
			{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "FROM", Value: query}}},
				{Or: [][2]imap.SearchCriteria{
					{
						{Header: []imap.SearchCriteriaHeaderField{{Key: "SUBJECT", Value: query}}},
						{Header: []imap.SearchCriteriaHeaderField{{Key: "TO", Value: query}}},
					},
				}},
			},
		},
	}
}

// fetchSummaries retrieves envelope-level data for the given UIDs.
func fetchSummaries(raw *imapclient.Client, uids []imap.UID) ([]*MessageSummary, error) {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOptions := &imap.FetchOptions{
		UID:        true,
		Flags:      true,
		RFC822Size: true,
		Envelope:   true,
	}

	buffers, err := raw.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		return nil, classify(fmt.Errorf("summary fetch failed: %w", err))
	}

	// Preserve the caller's (newest-first) ordering.
	byUID := make(map[imap.UID]*MessageSummary, len(buffers))
	for _, buf := range buffers {
		s := &MessageSummary{
			UID:   uint32(buf.UID),
			Size:  buf.RFC822Size,
			Flags: make([]string, 0, len(buf.Flags)),
		}
		for _, f := range buf.Flags {
			s.Flags = append(s.Flags, string(f))
		}
		if env := buf.Envelope; env != nil {
			s.MessageID = normalizeMessageID(env.MessageID)
			s.Subject = env.Subject
			s.FromAddr = formatAddressList(env.From)
			s.ToAddr = formatAddressList(env.To)
			if !env.Date.IsZero() {
				s.Date = env.Date.Format(time.RFC1123Z)
			}
		}
		byUID[buf.UID] = s
	}

	var out []*MessageSummary
	for _, uid := range uids {
		if s, ok := byUID[uid]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// fetchFull retrieves and parses complete messages for the given UIDs.
func fetchFull(raw *imapclient.Client, uids []imap.UID) ([]*FullMessage, error) {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOptions := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{
				Specifier: imap.PartSpecifierNone, // full message
				Peek:      true,                   // don't mark as read
			},
		},
	}

	buffers, err := raw.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		return nil, classify(fmt.Errorf("body fetch failed: %w", err))
	}

	var out []*FullMessage
	for _, buf := range buffers {
		var rawBytes []byte
		for _, section := range buf.BodySection {
			rawBytes = section.Bytes
		}
		if len(rawBytes) == 0 {
			continue
		}
		msg := parseInbound(rawBytes)
		msg.UID = uint32(buf.UID)
		out = append(out, msg)
	}
	return out, nil
}

func formatAddressList(addrs []imap.Address) string {
	var parts []string
	for _, a := range addrs {
		addr := a.Addr()
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, addr))
		} else {
			parts = append(parts, addr)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func normalizeMessageID(id string) string {
	if id == "" {
		return ""
	}
	if id[0] != '<' {
		return "<" + id + ">"
	}
	return id
}

func parseDate(value string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
