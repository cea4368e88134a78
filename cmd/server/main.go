package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"parley/api"
	"parley/auth"
	"parley/internal"
	"parley/moderation"
	"parley/observability"
	"parley/repositories"
	"parley/runtime"
	"parley/runtime/workers"
	"parley/search"
	"parley/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting so every defer executes before exit.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := internal.LoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Search index (Bluge)
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing search index...")
		_ = writer.Close()
	}()

	// 4. Repositories
	conversations, err := repositories.NewConversationRepository(db, log)
	if err != nil {
		return fmt.Errorf("conversation repository failed: %w", err)
	}
	defer func() { _ = conversations.Close() }()

	messages, err := repositories.NewMessageRepository(db, log, config.HistoryPageSize)
	if err != nil {
		return fmt.Errorf("message repository failed: %w", err)
	}
	defer func() { _ = messages.Close() }()

	users := repositories.NewUserRepository(db)

	// 5. Moderation
	words, err := moderation.LoadEmbedded()
	if err != nil {
		return fmt.Errorf("word lists failed to load: %w", err)
	}
	replacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return err
	}
	moderator, err := moderation.NewModerator(words.Words, replacement)
	if err != nil {
		return fmt.Errorf("moderator failed to build: %w", err)
	}
	log.Info("Moderation dictionaries loaded", "languages", words.Languages, "words", len(words.Words))

	// 6. Runtime: relay, registry, supervised workers
	monitor := observability.NewMonitor(log)
	registry := runtime.NewRegistry()
	relay := runtime.NewRelay(log, conversations, messages, moderator, monitor, config.BufferSize)
	index := search.NewIndex(writer, log)

	fanout := workers.NewEventFanout(log, registry, monitor, relay.Events(), config.SinkTimeout, index)
	heartbeat := workers.NewHeartbeatWorker(log, monitor, config.HeartbeatInterval)

	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(fanout, heartbeat, monitor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	// 7. HTTP surface: REST + WebSocket
	tokens := auth.NewTokenManager(config.AuthSecret, config.AuthTokenDuration)
	authService := auth.NewService(users, tokens)
	restServer := api.NewServer(log, authService, tokens, conversations, messages, relay, index, monitor)
	wsHandler := transport.NewHandler(
		log, registry, relay, tokens, monitor,
		config.Origins(), config.ConnectionBufferSize,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", restServer.Routes(config.Origins()))

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{Addr: address, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting server", "address", address, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	// 8. Wait for stop or error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 9. Final cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sup.Stop()
	log.Info("Program stopped cleanly")

	return nil
}
