// Command envelope runs the multi-tenant email automation service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tymrtn/envelope/internal/account"
	"github.com/tymrtn/envelope/internal/agent"
	"github.com/tymrtn/envelope/internal/config"
	"github.com/tymrtn/envelope/internal/database"
	"github.com/tymrtn/envelope/internal/discovery"
	"github.com/tymrtn/envelope/internal/draft"
	"github.com/tymrtn/envelope/internal/embeddings"
	"github.com/tymrtn/envelope/internal/logging"
	"github.com/tymrtn/envelope/internal/message"
	"github.com/tymrtn/envelope/internal/ratelimit"
	"github.com/tymrtn/envelope/internal/server"
	"github.com/tymrtn/envelope/internal/smtp"
	"github.com/tymrtn/envelope/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		mainLog := logging.WithComponent("main")
		mainLog.Fatal().Err(err).Msg("Configuration error")
	}

	logging.Init(cfg.LogLevel, cfg.LogPretty)
	log := logging.WithComponent("main")

	cipher, err := account.NewCipher(cfg.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential cipher")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db.StartCheckpointRoutine(ctx)

	accounts := account.NewStore(db, cipher)
	messages := message.NewStore(db)
	drafts := draft.NewStore(db)

	pool := smtp.NewPool(smtp.DefaultPoolConfig(), nil)
	pool.StartCleanupRoutine(ctx)
	sender := smtp.NewSender(pool)

	sendWorker := worker.New(messages, accounts, sender)
	if err := sendWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start send worker")
	}

	var index *embeddings.Index
	if cfg.LLMAPIKey != "" {
		index = embeddings.NewIndex(db, embeddings.NewClient(embeddings.ClientConfig{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.EmbeddingModel,
		}))
	}

	var inboxAgent *agent.Agent
	if cfg.AgentEnabled && cfg.AgentAccountID != "" {
		classifier := agent.NewLLMClient(agent.LLMConfig{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		})
		var finder agent.SimilarityFinder
		if index != nil {
			finder = index
		}
		inboxAgent = agent.New(agent.Config{
			AccountID:       cfg.AgentAccountID,
			PollInterval:    time.Duration(cfg.AgentPollInterval) * time.Second,
			EscalationEmail: cfg.AgentEscalationEmail,
			SendFrom:        cfg.AgentSendFrom,
		}, accounts, nil, sender, classifier, drafts, agent.NewJournal(db), finder)
		inboxAgent.Start(ctx)
	}

	discoverer := discovery.New(nil, nil, nil)
	limiter := ratelimit.New(messages)

	srv := server.New(accounts, messages, drafts, pool, sender, sendWorker, inboxAgent, discoverer, limiter)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Shutdown order: stop accepting requests, stop the agent, drain the
	// worker, close the pool, then checkpoint and close the database.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	if inboxAgent != nil {
		inboxAgent.Stop()
	}
	sendWorker.Stop()
	pool.CloseAll()
	cancel()

	if err := db.Checkpoint(); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}
	db.Close()
	log.Info().Msg("Shutdown complete")
}
