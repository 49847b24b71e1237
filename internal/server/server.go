// Package server exposes the HTTP surface over the core services
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/agent"
	"github.com/tymrtn/envelope/internal/discovery"
	"github.com/tymrtn/envelope/internal/draft"
	"github.com/tymrtn/envelope/internal/logging"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/ratelimit"
	"github.com/tymrtn/envelope/internal/smtp"
	"github.com/tymrtn/envelope/internal/worker"
)

// Server routes HTTP requests onto the core services. It owns no state of
// its own; every handler is a thin translation onto a collaborator.
type Server struct {
	accounts   *account.Store
	messages   *message.Store
	drafts     *draft.Store
	pool       *smtp.Pool
	sender     *smtp.Sender
	worker     *worker.Worker
	agent      *agent.Agent
	discoverer *discovery.Discoverer
	limiter    *ratelimit.Limiter
	log        zerolog.Logger

	router chi.Router
}

// New assembles the router. agent may be nil when the inbox agent is
// disabled.
func New(
	accounts *account.Store,
	messages *message.Store,
	drafts *draft.Store,
	pool *smtp.Pool,
	sender *smtp.Sender,
	sendWorker *worker.Worker,
	inboxAgent *agent.Agent,
	discoverer *discovery.Discoverer,
	limiter *ratelimit.Limiter,
) *Server {
	s := &Server{
		accounts:   accounts,
		messages:   messages,
		drafts:     drafts,
		pool:       pool,
		sender:     sender,
		worker:     sendWorker,
		agent:      inboxAgent,
		discoverer: discoverer,
		limiter:    limiter,
		log:        logging.WithComponent("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", s.handleSend)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/stats", s.handleStats)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleCreateAccount)
			r.Get("/", s.handleListAccounts)
			r.Get("/{id}", s.handleGetAccount)
			r.Delete("/{id}", s.handleDeleteAccount)
		})

		r.Get("/discovery", s.handleDiscovery)
		r.Get("/discovery/stream", s.handleDiscoveryStream)

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", s.handleListDrafts)
			r.Get("/{id}", s.handleGetDraft)
			r.Patch("/{id}", s.handleUpdateDraft)
			r.Post("/{id}/discard", s.handleDiscardDraft)
			r.Post("/{id}/send", s.handleSendDraft)
		})

		r.Route("/inbox/{accountID}", func(r chi.Router) {
			r.Get("/folders", s.handleListFolders)
			r.Get("/messages", s.handleSearchInbox)
			r.Get("/messages/{uid}", s.handleFetchInboxMessage)
			r.Get("/thread", s.handleGetThread)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Get("/status", s.handleAgentStatus)
			r.Post("/poll", s.handleAgentPoll)
		})
	})

	s.router = r
	return s
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
