package imap

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var messageIDPattern = regexp.MustCompile(`<[^>]+>`)

// parseMessageIDs extracts message identifiers from References or
// In-Reply-To header values.
func parseMessageIDs(headerValue string) []string {
	if headerValue == "" {
		return nil
	}
	return messageIDPattern.FindAllString(headerValue, -1)
}

// parseInbound parses a raw RFC 822 message into a FullMessage. Messages
// that fail MIME parsing degrade to a plain-text body rather than being
// dropped.
func parseInbound(raw []byte) *FullMessage {
	msg := &FullMessage{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		msg.TextBody = string(raw)
		return msg
	}

	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = normalizeMessageID(id)
	}
	msg.FromAddr = formatHeaderAddresses(&h, "From")
	msg.ToAddr = formatHeaderAddresses(&h, "To")
	msg.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	msg.References = strings.TrimSpace(h.Get("References"))
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date.Format(time.RFC1123Z)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				if msg.TextBody == "" {
					msg.TextBody = string(body)
				}
			case "text/html":
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if filename == "" {
				filename = "untitled"
			}
			contentType, _, _ := header.ContentType()
			size := 0
			if body, err := io.ReadAll(part.Body); err == nil {
				size = len(body)
			}
			msg.Attachments = append(msg.Attachments, AttachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	return msg
}

// formatHeaderAddresses renders an address header preserving display names.
func formatHeaderAddresses(h *mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	var parts []string
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, a.Name+" <"+a.Address+">")
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}
