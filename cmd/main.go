package main

import (
	"chat-relay/auth"
	"chat-relay/clock"
	"chat-relay/infrastructure/realtime"
	"chat-relay/internal"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"chat-relay/sink"
	"chat-relay/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and owns their lifecycle, so deferred cleanups
// always execute before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	charReplacement, err := config.CharacterRune()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	clk := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (Badger + Bluge)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	defer func() {
		log.Info("Closing Bluge...")
		_ = blugeWriter.Close()
	}()

	// 3. Moderation word list, seeded from the environment
	wordList := moderation.NewWordList(db)
	if seed := List(config.CensoredWords); len(seed) > 0 {
		if err = wordList.Add(seed...); err != nil {
			return exitRuntime, fmt.Errorf("seeding word list: %w", err)
		}
	}
	filter, err := wordList.Load(ctx, charReplacement)
	if err != nil {
		return exitRuntime, fmt.Errorf("loading word list: %w", err)
	}

	// 4. Session gate: JWT first, then opaque sessions issued by the relay
	tokens := auth.NewTokenValidator(config.JwtSecret, clk)
	sessions := auth.NewSessionStore(db, clk)
	gate := auth.NewGate(log, auth.NewChainValidator(tokens, sessions))

	// 5. Domain services
	registry := runtime.NewRegistry(log)
	repository := repositories.NewConversationRepository(db, log, clk)
	index := repositories.NewMessageIndex(blugeWriter, log)
	chat := services.NewChatService(log, repository, registry, repository, index, filter, clk,
		services.NewValidator(config.MaxContentLength))
	retention := services.NewRetentionService(log, repository,
		storage.NewFileArchiver(log, config.ArchiveFilepath), index, clk)

	// 6. Supervised background workers
	heartbeat := workers.NewHeartbeatWorker(log, registry, clk, config.HeartbeatInterval)
	supervisor := workers.NewSupervisor(log, config.RestartInterval).Add(
		workers.NewRetentionWorker(log, retention, clk, workers.RetentionConfig{
			Interval:         config.RetentionInterval,
			ArchiveAfterDays: config.ArchiveAfterDays,
			PruneAfterDays:   config.PruneAfterDays,
		}),
		heartbeat,
	)
	stopWorkers := workers.Background(ctx, supervisor)

	if log.Enabled(ctx, slog.LevelDebug) {
		log.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d/inspect", config.DebugPort))
		internal.StartDebugServer(ctx, log, db, config.DebugPort, func() map[string]any {
			beat := heartbeat.Latest()
			return map[string]any{
				"connections": beat.Connections,
				"rooms":       beat.Rooms,
				"rss":         beat.RSS,
				"cpu":         beat.CPUPercent,
				"status":      beat.Status,
				"at":          beat.At.Format(time.RFC3339),
			}
		})
	}

	// 7. HTTP server
	server := realtime.NewServer(log, gate, chat, registry, sessions, realtime.Config{
		Sink: sink.Options{
			BufferSize:   config.ConnectionBufferSize,
			WriteTimeout: config.WriteTimeout,
			PongTimeout:  config.PongTimeout,
		},
		RequestTimeout: config.RequestTimeout,
		SessionTTL:     config.SessionTTL,
		AllowedOrigins: List(config.AllowedOrigins),
	})
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{
		Addr:              address,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting relay", "address", address, "at", clk.Now())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 8. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err = <-errChan:
		stopWorkers()
		registry.Close()
		return exitRuntime, err
	}

	// 9. Final Cleanup: refuse new connections, close live ones, stop workers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	registry.Close()
	if err = httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	stopWorkers()
	log.Info("Program stopped cleanly")
	return exitOK, nil
}
