package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/config"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/routes"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Run the API server, task workers and periodic sweeps",
	Long: `Starts the HTTP API, the worker pool that submits, polls, collects and
cleans up runs, and the cron schedule for active-run polling and retention
sweeps. Configuration comes from the environment (and .env in development).`,
	Run: serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for requests and tasks to drain")
}

func serve(cmd *cobra.Command, args []string) {
	logger := newLogger()
	cfg, err := config.ValidateEnv()
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}

	cfg.Print(log.Printf)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs, err := services.NewServices(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize services: %v", err)
	}
	defer func() {
		if err := svcs.Close(shutdownTimeout); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := svcs.Runs.Start(cfg.Workers); err != nil {
		log.Fatalf("failed to start workers: %v", err)
	}

	a := api.NewApi()
	routes.RegisterAPI(a.Api, svcs, logger)
	routes.RegisterWebsocket(a.Router, svcs)

	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{Addr: addr, Handler: a.Router, ReadHeaderTimeout: 10 * time.Second}

	log.Printf("🚀 plantit starting on %s\n", addr)
	log.Printf("📚 OpenAPI docs: %s/docs\n", cfg.BaseURL)
	log.Printf("📄 OpenAPI spec: %s/openapi.json\n", cfg.BaseURL)
	log.Printf("🔌 Run updates: %s/ws/runs\n", cfg.BaseURL)

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}
