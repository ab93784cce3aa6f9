package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvest-exchange/internal/api"
	"harvest-exchange/internal/catalog"
	"harvest-exchange/internal/config"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/engine"
	"harvest-exchange/internal/identity"
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/ws"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("docstore: %v", err)
	}
	defer store.Close()

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			log.Fatalf("catalog: %v", err)
		}
		log.Printf("[main] catalog loaded from %s", cfg.CatalogPath)
	}

	var sink journal.Sink = journal.Discard
	if cfg.JournalDir != "" {
		w := journal.NewWriter(cfg.JournalDir, "ledger")
		defer w.Close()
		sink = w
		log.Printf("[main] journaling to %s", cfg.JournalDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// WS Hub
	hub := ws.NewHub()

	// Engine
	mgr := engine.NewManager(store, cat, sink, cfg.FlushInterval)
	book := engine.NewListingBook(store, hub.Publish)
	go func() {
		if err := book.Run(ctx); err != nil {
			log.Printf("[main] listing subscription: %v", err)
		}
	}()

	// HTTP
	ids := identity.NewProvider(store, cfg.JWTSecret)
	srv := api.NewServer(store, mgr, book, ids, hub, cfg.RateLimitRPS, cfg.RateLimitBurst)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("[main] listening on :%s (docstore=%s)", cfg.Port, cfg.DocStore)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	mgr.CloseAll()
	log.Println("[main] stopped")
}

func openStore(cfg config.Config) (docstore.Store, error) {
	switch cfg.DocStore {
	case config.BackendPostgres:
		pg, err := docstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("[main] connected to database")
		if err := pg.Migrate(cfg.MigrationsDir); err != nil {
			pg.Close()
			return nil, err
		}
		log.Println("[main] migrations applied")
		return pg, nil
	case config.BackendSQLite:
		s, err := docstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Printf("[main] opened %s", cfg.SQLitePath)
		return s, nil
	default:
		log.Println("[main] using in-memory docstore")
		return docstore.NewMemory(), nil
	}
}
