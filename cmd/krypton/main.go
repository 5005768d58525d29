package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/throw-if-null/covalent/internal/config"
	"github.com/throw-if-null/covalent/internal/krypton"
	"github.com/throw-if-null/covalent/internal/session"
	"github.com/throw-if-null/covalent/internal/store"
	"github.com/throw-if-null/covalent/internal/telemetry"
	"github.com/throw-if-null/covalent/internal/version"

	_ "modernc.org/sqlite"
)

func main() {
	repoRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to resolve working directory: %v", err)
	}

	// Best effort: agent auth tokens commonly live in a repo-local .env.
	_ = godotenv.Load(filepath.Join(repoRoot, ".env"))

	res := config.Load(repoRoot)
	if res.ParseError != nil {
		log.Fatalf("failed to parse %s: %v", res.Path, res.ParseError)
	}
	cfg := res.Config
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("bad config: %v", err)
	}
	if res.Found {
		log.Printf("config loaded from %s", res.Path)
	}

	dbPath, err := ensureDBPath(repoRoot)
	if err != nil {
		log.Fatalf("failed to prepare db path: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("failed to open sqlite db: %v", err)
	}
	defer db.Close()

	s := store.New(db)
	if err := s.Init(); err != nil {
		log.Fatalf("failed to init schema: %v", err)
	}

	reset, err := s.ReconcileInFlight()
	if err != nil {
		log.Fatalf("failed to reconcile in-flight sessions: %v", err)
	}
	for _, id := range reset {
		log.Printf("reconciled task %s back to pending after unclean shutdown", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "krypton",
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Fatalf("failed to init telemetry: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Printf("telemetry shutdown: %v", err)
			}
		}()
	}

	backend := &session.CLIBackend{
		Command:        cfg.Agent.Command,
		Interactive:    !cfg.Agent.PlainPipes,
		Dir:            repoRoot,
		TerminateGrace: time.Duration(cfg.Agent.TerminateGraceSecs) * time.Second,
	}

	cancellers := krypton.NewCancellers()
	orch := krypton.NewOrchestrator(s, cfg, backend, repoRoot, cancellers)
	srv := krypton.NewServer(s, cancellers, repoRoot, cfg.Decision.MaxRetries, cfg.Agent.MaxTurns)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(ctx)
	}()

	log.Printf("krypton %s (%s) listening on http://%s", version.Version, version.Commit, addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	<-done
	log.Printf("krypton stopped")
}

func ensureDBPath(repoRoot string) (string, error) {
	dir := filepath.Join(repoRoot, ".covalent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "covalent.db"), nil
}
