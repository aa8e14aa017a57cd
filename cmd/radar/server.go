package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itemradar/radar/internal/api"
	"github.com/itemradar/radar/internal/config"
	"github.com/itemradar/radar/internal/expiry"
	"github.com/itemradar/radar/internal/queue"
	"github.com/itemradar/radar/internal/relay"
	"github.com/itemradar/radar/internal/storage"
	"github.com/itemradar/radar/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the radar server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "radar version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	publisher := queue.NewPublisher(store, cfg.Queue.Topic)
	hooks := trigger.NewHooks(publisher, store, nil)
	job := expiry.NewJob(store, cfg.Expiry.Hour, cfg.Expiry.Minute)

	handler := api.NewHandler(api.Deps{
		Store:   store,
		Hooks:   hooks,
		Token:   cfg.Server.Token,
		ItemTTL: cfg.Expiry.TTL,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "radar listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Deliver queued work messages when a matcher is configured; without
	// one, messages stay pending until a matcher comes online.
	if cfg.Queue.MatcherURL != "" {
		forwarder := queue.NewMatcherForwarder(cfg.Queue.MatcherURL)
		worker := queue.NewWorker(store, forwarder, cfg.Queue.Topic, 500*time.Millisecond)
		g.Go(func() error {
			worker.Run(gCtx)
			return nil
		})
		slog.Info("queue worker started", "topic", cfg.Queue.Topic, "matcher", cfg.Queue.MatcherURL)
	} else {
		slog.Warn("no matcher configured, work messages will accumulate")
	}

	g.Go(func() error {
		job.Run(gCtx)
		return nil
	})
	slog.Info("expiry job scheduled", "at", fmt.Sprintf("%02d:%02d", cfg.Expiry.Hour, cfg.Expiry.Minute))

	mcpDeps := api.MCPDeps{
		Store:   store,
		Hooks:   hooks,
		Expiry:  job,
		ItemTTL: cfg.Expiry.TTL,
	}
	if cfg.Chat.BaseURL != "" {
		relayClient, err := relay.NewClient(cfg.Chat.BaseURL)
		if err != nil {
			return fmt.Errorf("configuring chat relay: %w", err)
		}
		mcpDeps.Relay = relayClient
	} else {
		slog.Warn("no chat endpoint configured, chat surfaces are disabled")
	}

	mcpSrv := api.NewMCPServer(mcpDeps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	return g.Wait()
}
