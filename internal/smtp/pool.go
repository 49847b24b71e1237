package smtp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/logging"
)

// PoolConfig configures the submission connection pool
type PoolConfig struct {
	// MaxConnectionsPerAccount bounds concurrent submissions per account
	MaxConnectionsPerAccount int

	// MaxIdle is how long a connection may sit unused before eviction
	MaxIdle time.Duration

	// MaxLifetime caps a connection's total age
	MaxLifetime time.Duration

	// CleanupInterval is how often the background sweeper runs
	CleanupInterval time.Duration

	// NoopCheckBeforeUse probes candidates with a NOOP before reuse
	NoopCheckBeforeUse bool
}

// DefaultPoolConfig returns sensible defaults for the pool
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnectionsPerAccount: 2,
		MaxIdle:                  270 * time.Second,
		MaxLifetime:              time.Hour,
		CleanupInterval:          time.Minute,
		NoopCheckBeforeUse:       true,
	}
}

// PoolClient is the subset of Client behavior the pool manages.
type PoolClient interface {
	Noop() error
	Send(from string, to []string, raw []byte) error
	Quit() error
	Close() error
}

// DialFunc opens and authenticates a fresh submission client.
type DialFunc func(creds *account.Credentials) (PoolClient, error)

// PooledConnection wraps a live client with pool metadata
type PooledConnection struct {
	client     PoolClient
	accountID  string
	createdAt  time.Time
	returnedAt time.Time

	// credentialVersion is the account's version stamp at creation time.
	// A connection whose stamp trails the account's current version is
	// unusable and closed on discovery.
	credentialVersion int
}

// Pool amortizes TLS handshake and authentication cost across sends,
// bounding concurrent submissions per account and evicting dead or stale
// connections.
type Pool struct {
	config PoolConfig
	dial   DialFunc
	log    zerolog.Logger

	mu       sync.Mutex
	idle     map[string][]*PooledConnection // accountID -> LIFO idle stack
	versions map[string]int                 // accountID -> credential version
	gates    map[string]chan struct{}       // accountID -> concurrency gate
	closed   bool

	cleanupCancel context.CancelFunc
}

// NewPool creates a new submission pool. A nil dial uses the real SMTP
// client.
func NewPool(config PoolConfig, dial DialFunc) *Pool {
	if dial == nil {
		dial = defaultDial
	}
	return &Pool{
		config:   config,
		dial:     dial,
		log:      logging.WithComponent("smtp-pool"),
		idle:     make(map[string][]*PooledConnection),
		versions: make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
}

func defaultDial(creds *account.Credentials) (PoolClient, error) {
	client := NewClient(ClientConfig{
		Host:     creds.SMTPHost,
		Port:     creds.SMTPPort,
		Username: creds.SMTPAuthUsername,
		Password: creds.SMTPAuthPassword,
	})
	if err := client.Connect(); err != nil {
		return nil, err
	}
	if err := client.Login(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Lease is a scoped hold on a pooled connection. Callers must invoke
// Release exactly once.
type Lease struct {
	pool *Pool
	conn *PooledConnection
	done bool
}

// Client returns the leased submission client.
func (l *Lease) Client() PoolClient {
	return l.conn.client
}

// Release ends the lease. A nil err returns the connection to the idle
// stack; any failure closes it instead. The account's gate slot is freed
// unconditionally.
func (l *Lease) Release(err error) {
	if l.done {
		return
	}
	l.done = true
	l.pool.release(l.conn, err)
}

// Acquire returns a lease on a live, authenticated client for the
// account, blocking on the per-account concurrency gate.
func (p *Pool) Acquire(ctx context.Context, creds *account.Credentials) (*Lease, error) {
	accountID := creds.ID

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("submission pool is closed")
	}
	gate := p.gate(accountID)
	p.mu.Unlock()

	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.getOrCreate(creds)
	if err != nil {
		<-gate
		return nil, err
	}
	return &Lease{pool: p, conn: conn}, nil
}

// gate returns the account's concurrency gate, creating it on first use.
// Caller must hold p.mu.
func (p *Pool) gate(accountID string) chan struct{} {
	g, ok := p.gates[accountID]
	if !ok {
		g = make(chan struct{}, p.config.MaxConnectionsPerAccount)
		p.gates[accountID] = g
	}
	return g
}

// getOrCreate walks the idle stack LIFO, discarding stale candidates,
// and dials fresh when nothing survives.
func (p *Pool) getOrCreate(creds *account.Credentials) (*PooledConnection, error) {
	accountID := creds.ID

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("submission pool is closed")
		}
		currentVersion := p.versions[accountID]

		stack := p.idle[accountID]
		if len(stack) == 0 {
			p.mu.Unlock()
			break
		}
		candidate := stack[len(stack)-1]
		p.idle[accountID] = stack[:len(stack)-1]

		now := time.Now()
		stale := candidate.credentialVersion != currentVersion ||
			now.Sub(candidate.createdAt) > p.config.MaxLifetime ||
			now.Sub(candidate.returnedAt) > p.config.MaxIdle
		p.mu.Unlock()

		if stale {
			p.closeConnection(candidate)
			continue
		}

		if p.config.NoopCheckBeforeUse {
			if err := candidate.client.Noop(); err != nil {
				p.log.Debug().
					Str("account", accountID).
					Err(err).
					Msg("Pooled connection failed NOOP probe, discarding")
				p.closeConnection(candidate)
				continue
			}
		}

		p.log.Debug().Str("account", accountID).Msg("Reusing pooled connection")
		return candidate, nil
	}

	return p.createConnection(creds)
}

func (p *Pool) createConnection(creds *account.Credentials) (*PooledConnection, error) {
	p.mu.Lock()
	version := p.versions[creds.ID]
	p.mu.Unlock()

	client, err := p.dial(creds)
	if err != nil {
		p.log.Debug().Str("account", creds.ID).Err(err).Msg("Failed to open submission connection")
		return nil, err
	}

	p.log.Debug().
		Str("account", creds.ID).
		Str("host", creds.SMTPHost).
		Int("port", creds.SMTPPort).
		Msg("Created new submission connection")

	now := time.Now()
	return &PooledConnection{
		client:            client,
		accountID:         creds.ID,
		createdAt:         now,
		returnedAt:        now,
		credentialVersion: version,
	}, nil
}

// release returns a connection to the idle stack on clean exit, closing
// it on failure, staleness, or pool shutdown.
func (p *Pool) release(conn *PooledConnection, leaseErr error) {
	p.mu.Lock()
	gate := p.gates[conn.accountID]
	reusable := leaseErr == nil &&
		!p.closed &&
		conn.credentialVersion == p.versions[conn.accountID]
	if reusable {
		conn.returnedAt = time.Now()
		p.idle[conn.accountID] = append(p.idle[conn.accountID], conn)
	}
	p.mu.Unlock()

	if !reusable {
		p.closeConnection(conn)
	}
	if gate != nil {
		<-gate
	}
}

// Invalidate advances the account's credential version and closes its
// idle connections. Future acquires dial fresh; in-flight leases are
// closed on release rather than reused.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	p.versions[accountID]++
	stale := p.idle[accountID]
	delete(p.idle, accountID)
	p.mu.Unlock()

	for _, conn := range stale {
		go p.closeConnection(conn)
	}

	p.log.Info().
		Str("account", accountID).
		Int("closed", len(stale)).
		Msg("Invalidated pool for account")
}

// CredentialVersion returns the account's current version stamp.
func (p *Pool) CredentialVersion(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.versions[accountID]
}

// IdleCount returns the number of idle connections held for an account.
func (p *Pool) IdleCount(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[accountID])
}

// StartCleanupRoutine starts the background sweeper. It stops when the
// context is cancelled or CloseAll runs.
func (p *Pool) StartCleanupRoutine(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cleanupCancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.evictStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// evictStale drops idle connections past the idle or lifetime caps. It
// does not disturb in-use leases.
func (p *Pool) evictStale() {
	now := time.Now()
	var evicted []*PooledConnection

	p.mu.Lock()
	for accountID, stack := range p.idle {
		var keep []*PooledConnection
		for _, conn := range stack {
			if now.Sub(conn.returnedAt) > p.config.MaxIdle ||
				now.Sub(conn.createdAt) > p.config.MaxLifetime {
				evicted = append(evicted, conn)
			} else {
				keep = append(keep, conn)
			}
		}
		if len(keep) == 0 {
			delete(p.idle, accountID)
		} else {
			p.idle[accountID] = keep
		}
	}
	p.mu.Unlock()

	for _, conn := range evicted {
		p.closeConnection(conn)
	}

	if len(evicted) > 0 {
		p.log.Debug().Int("evicted", len(evicted)).Msg("Evicted stale idle connections")
	}
}

// CloseAll stops the sweeper, closes every idle connection, and makes
// subsequent acquires fail. The pool is terminal afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cleanupCancel
	var all []*PooledConnection
	for _, stack := range p.idle {
		all = append(all, stack...)
	}
	p.idle = make(map[string][]*PooledConnection)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, conn := range all {
		p.closeConnection(conn)
	}

	p.log.Info().Int("closed", len(all)).Msg("Submission pool closed")
}

func (p *Pool) closeConnection(conn *PooledConnection) {
	if err := conn.client.Quit(); err != nil {
		conn.client.Close()
	}
}
