// Package worker drains the outbound send queue
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/logging"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/smtp"
)

// Retry policy constants.
const (
	MaxRetries = 3
	BaseDelay  = 30 * time.Second
	MaxDelay   = 600 * time.Second

	// DrainBudget bounds how long Stop waits for in-flight sends.
	DrainBudget = 30 * time.Second

	pollBatchSize      = 10
	pollWait           = 5 * time.Second
	maxConcurrentSends = 5
)

// Transport submits a composed message for an account.
type Transport interface {
	Send(ctx context.Context, creds *account.Credentials, msg *smtp.ComposeMessage) (string, error)
}

// CredentialResolver loads the per-account credential bundle.
type CredentialResolver interface {
	ResolveCredentials(id string) (*account.Credentials, error)
}

// Worker drains queued outbound messages with at-least-once semantics,
// bounded retries, and crash recovery.
type Worker struct {
	store     *message.Store
	accounts  CredentialResolver
	transport Transport
	log       zerolog.Logger

	notify chan struct{}
	sem    chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
	stopping bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a send worker.
func New(store *message.Store, accounts CredentialResolver, transport Transport) *Worker {
	return &Worker{
		store:     store,
		accounts:  accounts,
		transport: transport,
		log:       logging.WithComponent("send-worker"),
		notify:    make(chan struct{}, 1),
		sem:       make(chan struct{}, maxConcurrentSends),
		inFlight:  make(map[string]bool),
	}
}

// Start recovers orphaned rows from a prior crash and begins polling.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.store.RecoverOrphans(); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.stopping = false
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(ctx)
	w.log.Info().Msg("SendWorker started")
	return nil
}

// Stop drains in-flight sends for up to DrainBudget, then cancels the
// poll loop. Pool close is performed by its owner after worker stop.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopping = true
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	w.Notify() // wake the loop so it sees stopping

	deadline := time.Now().Add(DrainBudget)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		n := len(w.inFlight)
		w.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	w.log.Info().Msg("SendWorker stopped")
}

// Notify wakes the poll loop immediately, e.g. after an enqueue.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// InFlight reports the number of sends currently being processed.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.done)

	for {
		w.mu.Lock()
		stopping := w.stopping
		w.mu.Unlock()
		if stopping || ctx.Err() != nil {
			return
		}

		queued, err := w.store.Queued(pollBatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("SendWorker poll error")
			select {
			case <-time.After(pollWait):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(queued) == 0 {
			select {
			case <-w.notify:
			case <-time.After(pollWait):
			case <-ctx.Done():
				return
			}
			continue
		}

		var wg sync.WaitGroup
		for _, row := range queued {
			w.mu.Lock()
			if w.inFlight[row.ID] {
				w.mu.Unlock()
				continue
			}
			w.inFlight[row.ID] = true
			w.mu.Unlock()

			wg.Add(1)
			go func(row *message.Message) {
				defer wg.Done()
				w.processMessage(ctx, row)
			}(row)
		}
		wg.Wait()
	}
}

func (w *Worker) processMessage(ctx context.Context, row *message.Message) {
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, row.ID)
		w.mu.Unlock()
	}()

	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return
	}

	claimed, err := w.store.Claim(row.ID)
	if err != nil {
		w.log.Error().Err(err).Str("id", row.ID).Msg("Claim failed")
		return
	}
	if !claimed {
		// Another task won the row, or it is no longer eligible.
		return
	}

	creds, err := w.accounts.ResolveCredentials(row.AccountID)
	if err != nil || creds == nil {
		w.markFailed(row.ID, "Account not found")
		return
	}

	msg := &smtp.ComposeMessage{
		From:     smtp.Address{Name: creds.DisplayName, Address: row.FromAddr},
		To:       smtp.Address{Address: row.ToAddr},
		Subject:  row.Subject,
		TextBody: row.TextContent,
		HTMLBody: row.HTMLContent,
	}

	serverID, err := w.transport.Send(ctx, creds, msg)
	if err != nil {
		w.handleSendError(row, err)
		return
	}

	if err := w.store.MarkSent(row.ID, serverID); err != nil {
		w.log.Error().Err(err).Str("id", row.ID).Msg("Failed to finalize sent message")
		return
	}
	w.log.Info().Str("id", row.ID).Str("to", row.ToAddr).Msg("Message sent")
}

// handleSendError dispatches by classified error kind: auth and recipient
// failures are terminal, connection failures retry with capped exponential
// backoff, anything unclassified is an internal failure.
func (w *Worker) handleSendError(row *message.Message, err error) {
	se, ok := smtp.AsSendError(err)
	if !ok {
		w.log.Error().Err(err).Str("id", row.ID).Msg("Unclassified send failure")
		w.markFailed(row.ID, "Internal worker error")
		return
	}

	switch se.Kind {
	case smtp.KindAuth, smtp.KindRecipient:
		w.markFailed(row.ID, se.Message)

	case smtp.KindConn:
		if row.RetryCount >= MaxRetries {
			w.markFailed(row.ID, fmt.Sprintf("Max retries exceeded: %s", se.Message))
			return
		}
		delay := RetryDelay(row.RetryCount)
		nextRetry := time.Now().Add(delay)
		if err := w.store.MarkRetry(row.ID, se.Message, nextRetry); err != nil {
			w.log.Error().Err(err).Str("id", row.ID).Msg("Failed to schedule retry")
			return
		}
		w.log.Info().
			Str("id", row.ID).
			Dur("delay", delay).
			Int("attempt", row.RetryCount+1).
			Int("max", MaxRetries).
			Msg("Message scheduled for retry")

	default:
		w.markFailed(row.ID, se.Message)
	}
}

func (w *Worker) markFailed(id, errText string) {
	if err := w.store.MarkFailed(id, errText); err != nil {
		w.log.Error().Err(err).Str("id", id).Msg("Failed to mark message failed")
	}
}

// RetryDelay returns the backoff before attempt retryCount+1:
// min(BaseDelay * 2^retryCount, MaxDelay).
func RetryDelay(retryCount int) time.Duration {
	delay := BaseDelay << uint(retryCount)
	if delay > MaxDelay || delay <= 0 {
		delay = MaxDelay
	}
	return delay
}
