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
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"chat-relay/infrastructure/ws"
	"chat-relay/internal"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so every defer executes before the process
// exits and main stays trivially testable.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Core: registry + relay, one explicit context object for everything
	registry := runtime.NewRegistry(config.DefaultRoom)
	relay := runtime.NewRelay(log, registry, config.HeartbeatTimeout, config.StaleThreshold, nil)

	// 3. Supervision for background workers
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(workers.NewTelemetryWorker(log, registry, config.TelemetryInterval))

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	// 5. HTTP + WebSocket surface
	wsServer := ws.NewServer(log, relay, ws.Config{
		HeartbeatInterval: config.HeartbeatInterval,
		SendBufferSize:    config.SendBufferSize,
		DeliveryTimeout:   config.DeliveryTimeout,
		FrameBufferSize:   config.FrameBufferSize,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.ServeWS)
	if config.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(config.StaticDir)))
	}

	if config.DebugPort > 0 {
		internal.StartDebugServer(log, config.DebugPort, func() map[string]any {
			sessions, rooms := registry.Counts()
			return map[string]any{
				"sessions": sessions,
				"rooms":    rooms,
				"by_room":  registry.Rooms(),
			}
		})
	}

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{Addr: address, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting relay server", "address", address, "default_room", config.DefaultRoom)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 7. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Forced shutdown", "error", err)
	}
	sup.Stop()
	log.Info("Relay stopped cleanly")

	return nil
}
