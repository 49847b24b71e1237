package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeMessageTextOnly(t *testing.T) {
	msg := &ComposeMessage{
		From:     Address{Name: "Tyler Martin", Address: "tyler@loftly.es"},
		To:       Address{Address: "guest@example.com"},
		Subject:  "Welcome",
		TextBody: "Thanks for reaching out.",
	}

	raw, err := msg.ToRFC822()
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, "From: Tyler Martin <tyler@loftly.es>")
	assert.Contains(t, body, "To: guest@example.com")
	assert.Contains(t, body, "Subject: Welcome")
	assert.Contains(t, body, "Content-Type: text/plain; charset=utf-8")
	assert.NotContains(t, body, "multipart/alternative")
	assert.NotEmpty(t, msg.MessageID, "ToRFC822 must assign a Message-ID")
	assert.Contains(t, body, "Message-ID: "+msg.MessageID)
}

func TestComposeMessageMultipartAlternative(t *testing.T) {
	msg := &ComposeMessage{
		From:     Address{Address: "tyler@loftly.es"},
		To:       Address{Address: "guest@example.com"},
		Subject:  "Pricing",
		TextBody: "plain version",
		HTMLBody: "<p>html version</p>",
	}

	raw, err := msg.ToRFC822()
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "text/plain; charset=utf-8")
	assert.Contains(t, body, "text/html; charset=utf-8")
	// The plain text alternative must precede the HTML one.
	assert.Less(t, strings.Index(body, "text/plain; charset=utf-8"), strings.Index(body, "text/html; charset=utf-8"))
}

func TestComposeMessageThreadingHeaders(t *testing.T) {
	msg := &ComposeMessage{
		From:       Address{Address: "tyler@loftly.es"},
		To:         Address{Address: "guest@example.com"},
		Subject:    "Re: Question",
		TextBody:   "answer",
		InReplyTo:  "<m1@example.com>",
		References: []string{"<m0@example.com>", "<m1@example.com>"},
	}

	raw, err := msg.ToRFC822()
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, "In-Reply-To: <m1@example.com>")
	assert.Contains(t, body, "References: <m0@example.com> <m1@example.com>")
}

func TestComposeMessageEncodesSubject(t *testing.T) {
	msg := &ComposeMessage{
		From:     Address{Address: "tyler@loftly.es"},
		To:       Address{Address: "guest@example.com"},
		Subject:  "Visita a Denia — información",
		TextBody: "hola",
	}

	raw, err := msg.ToRFC822()
	require.NoError(t, err)

	assert.Contains(t, string(raw), "=?utf-8?q?")
}

func TestAddressStringEncodesName(t *testing.T) {
	plain := Address{Name: "Tyler", Address: "t@example.com"}
	assert.Equal(t, "Tyler <t@example.com>", plain.String())

	bare := Address{Address: "t@example.com"}
	assert.Equal(t, "t@example.com", bare.String())

	accented := Address{Name: "José", Address: "j@example.com"}
	assert.Equal(t, "=?utf-8?q?Jos=C3=A9?= <j@example.com>", accented.String())
}
