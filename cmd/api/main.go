package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"planloom/api/internal/app"
	"planloom/api/internal/bus"
	"planloom/api/internal/config"
	"planloom/api/internal/email"
	"planloom/api/internal/plangen"
	"planloom/api/internal/search"
	"planloom/api/internal/session"
	"planloom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore)

	// Redis carries refresh sessions and bridges change events across nodes.
	// Without it, sessions live in Postgres and events stay node-local.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, falling back to PostgreSQL sessions: %v", err)
		} else {
			log.Printf("Using Redis for refresh token storage")
			defer redisStore.Close()
			service.SetSessionStore(redisStore)

			redisBus := bus.NewRedisBus(ctx, redisStore.Client())
			defer redisBus.Close()
			service.SetBus(redisBus)
		}
	}

	pgfts := search.NewPgFTS(db)
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
		service.SetSearch(meili, pgfts, meili)

		// Backfill the index so search covers projects created while
		// Meilisearch was down or not yet configured.
		if records, err := pgfts.LoadAllRecords(ctx); err != nil {
			log.Printf("WARNING: search reindex skipped: %v", err)
		} else if err := meili.IndexProjects(records); err != nil {
			log.Printf("WARNING: search reindex failed: %v", err)
		}
	} else {
		service.SetSearch(nil, pgfts, nil)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		log.Printf("Invitation email enabled (from %s)", cfg.SMTPFrom)
	} else {
		log.Printf("SMTP not configured, invitation email disabled")
	}
	service.SetMailer(mailer)

	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		service.SetPlanGenerator(plangen.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel))
	} else {
		log.Printf("OPENAI_API_KEY not set, plan generation disabled")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the events endpoint holds its stream open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Planloom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
