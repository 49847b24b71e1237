// Package imap provides IMAP retrieval functionality for Envelope
package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/logging"
)

// deadlineConn wraps a net.Conn to automatically set read/write deadlines
// before each operation. This prevents indefinite blocking on slow or dead
// connections that go-imap v2 doesn't handle with built-in timeouts.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// ClientConfig holds the configuration for connecting to an IMAP server
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns a ClientConfig with sensible defaults
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute, // large body fetches
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps the go-imap client for one short-lived session. The
// retrieval layer opens one connection per call; mailbox selects make
// connection reuse more trouble than it is worth.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	log    zerolog.Logger
}

// NewClient creates a new IMAP client but does not connect
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("imap"),
	}
}

// Connect establishes a TLS connection to the IMAP server
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	tlsConfig := &tls.Config{ServerName: c.config.Host}

	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		return classify(fmt.Errorf("failed to connect with TLS: %w", err))
	}

	wrappedConn := &deadlineConn{
		Conn:         rawConn,
		readTimeout:  c.config.ReadTimeout,
		writeTimeout: c.config.WriteTimeout,
	}

	c.client = imapclient.New(wrappedConn, &imapclient.Options{})

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return classify(fmt.Errorf("failed to receive greeting: %w", err))
	}

	c.log.Debug().Str("host", c.config.Host).Msg("Connected to IMAP server")
	return nil
}

// Login authenticates with the IMAP server
func (c *Client) Login() error {
	if c.client == nil {
		return classify(fmt.Errorf("not connected"))
	}

	// Use LOGIN by default; fall back to AUTHENTICATE PLAIN only when the
	// server advertises LOGINDISABLED.
	if c.client.Caps().Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return classify(fmt.Errorf("authentication failed: %w", err))
		}
		return nil
	}

	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return classify(fmt.Errorf("authentication failed: %w", err))
	}
	return nil
}

// Select opens a mailbox, read-only when requested.
func (c *Client) Select(folder string, readOnly bool) error {
	if c.client == nil {
		return classify(fmt.Errorf("not connected"))
	}
	options := &imap.SelectOptions{ReadOnly: readOnly}
	if _, err := c.client.Select(folder, options).Wait(); err != nil {
		return classify(fmt.Errorf("failed to select mailbox %s: %w", folder, err))
	}
	return nil
}

// Raw returns the underlying imapclient.Client.
func (c *Client) Raw() *imapclient.Client {
	return c.client
}

// Close logs out gracefully, closing the socket regardless.
func (c *Client) Close() {
	if c.client == nil {
		return
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.client.Close()
	}
}

// ForceClose tears down the socket without the LOGOUT exchange.
func (c *Client) ForceClose() {
	if c.client == nil {
		return
	}
	c.client.Close()
}
