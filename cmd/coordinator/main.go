package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/config"
	"github.com/swarmlet/coordinator/internal/coordination"
	"github.com/swarmlet/coordinator/internal/events"
	"github.com/swarmlet/coordinator/internal/logging"
	"github.com/swarmlet/coordinator/internal/metrics"
	"github.com/swarmlet/coordinator/internal/persistence"
	"github.com/swarmlet/coordinator/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "address for the prometheus /metrics endpoint (empty disables)")
	headless := flag.Bool("headless", false, "run without the dashboard")
	flag.Parse()

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bus := events.NewBus()
	defer bus.Close()

	registry := prometheus.NewRegistry()
	mx := metrics.New(registry)

	opts := []coordination.Option{coordination.WithMetrics(mx)}
	if cfg.Store.Enabled {
		var store persistence.Store
		if cfg.Store.Path == "" {
			store, err = persistence.NewMemoryStore(ctx)
		} else {
			store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		}
		if err != nil {
			logger.Fatal("failed to open history store", zap.Error(err))
		}
		defer store.Close()
		opts = append(opts, coordination.WithStore(store))
	}

	manager, err := coordination.NewManager(cfg, bus, logger, opts...)
	if err != nil {
		logger.Fatal("failed to build coordination manager", zap.Error(err))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// Run the coordination loops until shutdown.
	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(ctx)
	}()

	if *headless {
		<-ctx.Done()
		stop()
		if err := <-managerDone; err != nil && err != context.Canceled {
			logger.Error("coordination manager exited", zap.Error(err))
		}
		logger.Info("shutdown complete")
		return
	}

	// Start the dashboard in a goroutine so main can handle shutdown.
	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal dashboard exit (user pressed 'q')
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Signal received; restore default handling so a second Ctrl+C
		// forces exit.
		stop()
		log.Println("Shutdown signal received, cleaning up...")

		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("dashboard exit error: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
		}
	}

	if err := <-managerDone; err != nil && err != context.Canceled {
		logger.Error("coordination manager exited", zap.Error(err))
	}
	log.Println("Shutdown complete")
}
