package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/api"
	"github.com/vdavid/vmail/mailsync/internal/config"
	"github.com/vdavid/vmail/mailsync/internal/crypto"
	"github.com/vdavid/vmail/mailsync/internal/db"
	"github.com/vdavid/vmail/mailsync/internal/mailsync"
	ws "github.com/vdavid/vmail/mailsync/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// maxStreamsPerAccount bounds open streams (tabs) per account.
	maxStreamsPerAccount = 10
	shutdownTimeout      = 10 * time.Second
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	var states mailsync.StateStore
	switch cfg.StateBackend {
	case config.StateBackendSQLite:
		sqliteStates, err := db.NewSQLiteStateStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer func() {
			if err := sqliteStates.Close(); err != nil {
				log.Printf("Warning: failed to close state store: %v", err)
			}
		}()
		states = sqliteStates
	default:
		states = db.NewStateStore(pool)
	}
	log.Printf("Mailbox state backend: %s", cfg.StateBackend)

	messages := db.NewMessageStore(pool)
	accounts := db.NewAccountStore(pool, encryptor)
	hub := ws.NewHub(maxStreamsPerAccount)

	useTLS := !cfg.TestMode
	svc := mailsync.NewService(
		accounts,
		mailsync.IMAPDirectory{UseTLS: useTLS},
		mailsync.IMAPDialer{UseTLS: useTLS},
		mailsync.NewEngine(states, messages, cfg.RecentWindow),
		messages,
		hub,
		mailsync.Settings{
			MaxIdleSessions: cfg.MaxIdleSessions,
			PollInterval:    cfg.PollInterval,
			IdleTimeout:     cfg.IdleTimeout,
		},
	)

	streams := func(accountID string, publisher mailsync.Publisher, opts mailsync.StreamOptions) api.StreamRunner {
		return svc.NewStream(accountID, publisher, opts)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(svc, streams, hub),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Mail sync server starting on %s (environment: %s)", server.Addr, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// NewServer creates and returns a new HTTP handler for the mail sync API.
func NewServer(syncer api.Syncer, streams api.StreamFactory, hub *ws.Hub) http.Handler {
	syncHandler := api.NewSyncHandler(syncer)
	streamHandler := api.NewStreamHandler(streams, hub)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/api/v1/stream", streamHandler.Handle)
	mux.HandleFunc("/api/v1/sync", syncHandler.PostSync)
	mux.HandleFunc("/api/v1/folders/status", syncHandler.GetFolderStatuses)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mail sync API is running")
}
