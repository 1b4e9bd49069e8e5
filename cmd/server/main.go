package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/bordereaux/internal/api"
	"github.com/ignite/bordereaux/internal/config"
	"github.com/ignite/bordereaux/internal/mailbox"
	"github.com/ignite/bordereaux/internal/parse"
	"github.com/ignite/bordereaux/internal/pipeline"
	"github.com/ignite/bordereaux/internal/proposal"
	"github.com/ignite/bordereaux/internal/storage"
	"github.com/ignite/bordereaux/internal/template"
	"github.com/ignite/bordereaux/internal/validate"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	log.Println("[server] connected to database")

	store := storage.New(db, cfg.Storage.BasePath)
	templates := template.NewRepository(db, cfg.Storage.TemplatesDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sidecar-only templates become DB rows before traffic is accepted.
	if added, err := templates.SeedFromDir(ctx); err != nil {
		log.Printf("[server] warn: seed templates: %v", err)
	} else if added > 0 {
		log.Printf("[server] seeded %d templates from %s", added, cfg.Storage.TemplatesDir)
	}

	validator := validate.New(validate.LoadRules(cfg.Storage.RulesFile))

	var genOpts []proposal.Option
	genOpts = append(genOpts, proposal.WithMinConfidence(cfg.AI.MinConfidence))
	if cfg.AI.UseAISuggestions && cfg.AI.OpenRouterAPIKey != "" {
		genOpts = append(genOpts, proposal.WithLLM(
			proposal.NewLLMClient(cfg.AI.OpenRouterAPIKey, cfg.AI.OpenRouterModel)))
		log.Printf("[server] AI mapping suggestions enabled (model %s)", cfg.AI.OpenRouterModel)
	}
	generator := proposal.NewGenerator(db, cfg.Storage.ProposalsDir, genOpts...)

	pipe := pipeline.New(db, store,
		parse.New(cfg.Storage.AllowedFileTypes),
		templates, validator, generator, cfg.Storage.ReportsDir)

	var poller *mailbox.Poller
	if cfg.IMAP.Enabled {
		imap := cfg.IMAP
		dial := func() (mailbox.Client, error) {
			return mailbox.Dial(imap.Host, imap.Port, mailbox.Credentials{
				Username:   imap.Username,
				Password:   imap.Password,
				OAuthToken: imap.OAuthToken,
			}, imap.Folder)
		}
		poller = mailbox.NewPoller(dial, store, cfg.Storage.AllowedFileTypes)
		go runScheduler(ctx, poller, pipe, time.Duration(imap.PollingInterval)*time.Second)
		log.Printf("[server] mailbox poller enabled: %s every %ds", imap.Host, imap.PollingInterval)
	}

	handlers := api.NewHandlers(store, templates, pipe, poller)
	router := api.SetupRoutes(handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: router}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[server] listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-done
	log.Println("[server] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}

// runScheduler polls the mailbox on the configured interval, then processes
// whatever landed in received state. Failures are logged and retried on the
// next tick.
func runScheduler(ctx context.Context, poller *mailbox.Poller, pipe *pipeline.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := poller.Run(ctx); err != nil {
				log.Printf("[server] mailbox poll: %v", err)
			}
			if _, err := pipe.ProcessNewFiles(ctx); err != nil {
				log.Printf("[server] process new files: %v", err)
			}
		}
	}
}
