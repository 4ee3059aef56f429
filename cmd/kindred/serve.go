package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kindred-ai/kindred/internal/hooks"
	internalobs "github.com/kindred-ai/kindred/internal/observability"
	"github.com/kindred-ai/kindred/pkg/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the maintenance daemon: hook sweeping, health, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	log.Printf("Starting kindred v%s", Version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	observability.InitMetrics()
	if cfg.EnableTracing {
		if err := internalobs.InitFromEnv(); err != nil {
			log.Printf("tracing init failed: %v", err)
		}
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sweeper := hooks.NewSweeper(st)
	if err := sweeper.Start(cfg.HookSweepSchedule); err != nil {
		return err
	}

	checker := observability.NewHealthChecker()
	checker.RegisterCheck(&observability.HealthCheck{
		Name:     "store",
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			_, err := st.ListCharacters(ctx)
			return err
		},
	})
	obsServer := observability.NewServer(cfg.MetricsPort, checker)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Observability server on :%d", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sweeper.Stop()
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("observability server shutdown: %v", err)
	}
	if cfg.EnableTracing {
		if err := internalobs.Shutdown(ctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}
	log.Println("Stopped")
	return nil
}
