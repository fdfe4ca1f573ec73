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

	"scrivener/internal/app"
	"scrivener/internal/archive"
	"scrivener/internal/auth"
	"scrivener/internal/config"
	"scrivener/internal/gitrepo"
	"scrivener/internal/ledger"
	"scrivener/internal/producer"
	"scrivener/internal/search"
	"scrivener/internal/store"
	"scrivener/internal/ticket"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	ledgerStore, cleanup := openLedgerStore(ctx, cfg)
	defer cleanup()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	ledgerService := ledger.New(ledgerStore)
	gitService := gitrepo.New(cfg.ReposDir)

	var generator producer.Generator
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		log.Printf("AI drafting enabled (model %s)", cfg.OpenAIModel)
		generator = producer.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	} else {
		log.Printf("AI drafting disabled, using deterministic heuristic")
	}
	producerService := producer.NewService(generator)

	service := app.NewService(ledgerService, gitService, producerService, cfg.DocPath, cfg.BotName)

	if strings.TrimSpace(cfg.TicketBaseURL) != "" {
		service.WithTickets(ticket.New(cfg.TicketBaseURL, cfg.TicketToken))
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
		service.WithArchive(archiveStore)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewLedgerScan(ledgerService))
	service.WithIndex(searchService)

	httpServer := app.NewHTTPServer(service, auth.NewOperatorVerifier(cfg.OperatorTokenHash), cfg.CORSOrigin).
		WithSearch(searchService)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Scrivener listening on %s (ledger backend: %s)", cfg.Addr, cfg.LedgerBackend)
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

// openLedgerStore selects the ledger backend. A missing or unreachable store
// is fatal at startup: it is a configuration error, not a runtime condition.
func openLedgerStore(ctx context.Context, cfg config.Config) (ledger.Store, func()) {
	switch cfg.LedgerBackend {
	case "redis":
		log.Printf("Using Redis ledger backend")
		redisLedger, err := store.NewRedisLedger(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		return redisLedger, func() { _ = redisLedger.Close() }
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		return store.NewPostgresLedger(db), func() { _ = db.Close() }
	default:
		log.Fatalf("unknown ledger backend %q (want postgres or redis)", cfg.LedgerBackend)
		return nil, nil
	}
}
