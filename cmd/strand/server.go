package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/strand/internal/api"
	"github.com/kalambet/strand/internal/config"
	"github.com/kalambet/strand/internal/llm"
	"github.com/kalambet/strand/internal/metrics"
	"github.com/kalambet/strand/internal/queue"
	"github.com/kalambet/strand/internal/stream"
	"github.com/kalambet/strand/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the strand server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "strand.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "strand version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. A responding health endpoint means another
	// instance owns the port.
	pidPath := pidFilePath(config.DataDir())
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("strand is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("strand is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Build the scheduling core.
	collector := metrics.NewCollector()
	manager := queue.NewManager(queue.Options{
		MaxQueued: cfg.Queue.MaxQueued,
		Metrics:   collector,
	})
	publisher := stream.New(manager, stream.Config{
		QueuedPoll:     config.Duration(cfg.Stream.QueuedPoll, 2*time.Second),
		ProcessingPoll: config.Duration(cfg.Stream.ProcessingPoll, 250*time.Millisecond),
		Keepalive:      config.Duration(cfg.Stream.KeepaliveInterval, 30*time.Second),
	})

	// Generation collaborator.
	client := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	processor := llm.NewProcessor(client)

	coordinator := worker.NewCoordinator(manager, processor, worker.Config{
		ProcessingTimeout: config.Duration(cfg.Queue.ProcessingTimeout, 60*time.Second),
		MaxWorkers:        int64(cfg.Queue.MaxWorkers),
		WakeInterval:      config.Duration(cfg.Queue.WakeInterval, time.Second),
		ShutdownGrace:     config.Duration(cfg.Queue.ShutdownGrace, 10*time.Second),
	})
	coordinatorDone := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(coordinatorDone)
	}()

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Manager: manager,
		Streams: publisher,
		Metrics: collector.Handler(),
		Version: version,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Manager: manager})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "strand listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop accepting requests, then wait for the coordinator to wind down
	// its workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	<-coordinatorDone
	return nil
}
