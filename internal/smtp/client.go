package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/logging"
)

// DefaultTimeout bounds dialing and each SMTP command exchange.
const DefaultTimeout = 30 * time.Second

// ClientConfig holds the configuration for one submission endpoint
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	Timeout time.Duration
}

// Client wraps a go-smtp connection with transport selection and
// classified errors. Transport mode follows the port: implicit TLS on
// 465, plain dial with STARTTLS upgrade otherwise.
type Client struct {
	config ClientConfig
	client *gosmtp.Client
	log    zerolog.Logger
}

// NewClient creates a new submission client but does not connect
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config: config,
		log:    logging.WithComponent("smtp"),
	}
}

// Connect establishes the connection and upgrades transport as needed.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	tlsConfig := &tls.Config{ServerName: c.config.Host}

	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Bool("implicitTLS", c.config.Port == 465).
		Msg("Connecting to submission endpoint")

	if c.config.Port == 465 {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return connError(fmt.Errorf("failed to connect with TLS: %w", err))
		}
		c.client = gosmtp.NewClient(conn)
	} else {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return connError(fmt.Errorf("failed to connect: %w", err))
		}
		client, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return connError(fmt.Errorf("STARTTLS failed: %w", err))
		}
		c.client = client
	}

	c.client.CommandTimeout = c.config.Timeout
	c.client.SubmissionTimeout = c.config.Timeout

	return nil
}

// Login authenticates with AUTH PLAIN.
func (c *Client) Login() error {
	if c.client == nil {
		return connError(fmt.Errorf("not connected"))
	}

	saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
	if err := c.client.Auth(saslClient); err != nil {
		if _, ok := err.(*gosmtp.SMTPError); ok {
			return authError(fmt.Errorf("authentication failed: %w", err))
		}
		return connError(fmt.Errorf("authentication failed: %w", err))
	}

	c.log.Debug().Str("username", c.config.Username).Msg("Authenticated")
	return nil
}

// Noop probes connection liveness.
func (c *Client) Noop() error {
	if c.client == nil {
		return connError(fmt.Errorf("not connected"))
	}
	if err := c.client.Noop(); err != nil {
		return connError(err)
	}
	return nil
}

// Send transmits a raw RFC 822 message. Recipient rejections and
// connection failures come back as classified SendErrors; other protocol
// rejections are returned unwrapped for the caller to treat as internal.
func (c *Client) Send(from string, to []string, raw []byte) error {
	if c.client == nil {
		return connError(fmt.Errorf("not connected"))
	}

	if err := c.client.Mail(from, nil); err != nil {
		return classifyTransmitError(err)
	}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt, nil); err != nil {
			if _, ok := err.(*gosmtp.SMTPError); ok {
				return recipientError(fmt.Errorf("recipient refused: %w", err))
			}
			return classifyTransmitError(err)
		}
	}

	w, err := c.client.Data()
	if err != nil {
		return classifyTransmitError(err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return classifyTransmitError(err)
	}
	if err := w.Close(); err != nil {
		return classifyTransmitError(err)
	}

	return nil
}

// classifyTransmitError maps I/O-level failures to connection errors and
// leaves unexpected protocol rejections unclassified.
func classifyTransmitError(err error) error {
	if _, ok := err.(*gosmtp.SMTPError); ok {
		return err
	}
	return connError(err)
}

// Quit closes the connection gracefully, falling back to a hard close.
func (c *Client) Quit() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Quit(); err != nil {
		return c.client.Close()
	}
	return nil
}

// Close tears down the connection without the QUIT exchange.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
