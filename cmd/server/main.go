// Package main runs the retriever HTTP API, MCP endpoint and worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/his0si/retriever-project-lite/internal/api"
	"github.com/his0si/retriever-project-lite/internal/app"
	"github.com/his0si/retriever-project-lite/internal/config"
	mcpserver "github.com/his0si/retriever-project-lite/internal/mcp"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	stdio := flag.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	flag.Parse()

	if err := run(*configPath, *stdio); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, stdio bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// stdout belongs to the MCP stream in stdio mode.
	logOut := os.Stdout
	if stdio {
		logOut = os.Stderr
	}
	logger := app.NewLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close resources", "error", err)
		}
	}()

	if err := a.Gateway.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if err := a.RecoverTasks(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Pool.Run(poolCtx)
	}()

	mcp := mcpserver.NewServer(a.Service, version)
	if stdio {
		logger.Info("starting MCP server (stdio mode)")
		err = mcp.Run(ctx)
	} else {
		err = serveHTTP(ctx, cfg, a, mcp, logger)
	}

	stopPool()
	wg.Wait()
	return err
}

func serveHTTP(ctx context.Context, cfg config.Config, a *app.App, mcp *mcpserver.Server, logger *slog.Logger) error {
	router := api.NewServer(a.Service, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		MCP:         mcpserver.NewHTTPHandler(mcp, &mcpserver.HTTPHandlerOptions{Stateless: cfg.Server.MCPStateless}),
		Landing:     mcpserver.NewLandingHandler(),
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
