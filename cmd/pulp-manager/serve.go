package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/pulp-manager/pkg/config"
	"github.com/cuemby/pulp-manager/pkg/credentials"
	"github.com/cuemby/pulp-manager/pkg/log"
	"github.com/cuemby/pulp-manager/pkg/metrics"
	"github.com/cuemby/pulp-manager/pkg/scheduler"
	"github.com/cuemby/pulp-manager/pkg/storage"
	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/cuemby/pulp-manager/pkg/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, worker, and metrics/health endpoints",
	Long: `serve starts the long-lived orchestration process: it loads the fleet
catalog and application config, then runs the Scheduler (cron-driven job
enqueue), a Worker (job execution), and an HTTP server exposing Prometheus
metrics and health/readiness/liveness endpoints.

Sending SIGHUP reloads the fleet catalog from disk and applies it to both
the Scheduler and the Worker without restarting the process.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("app-config", "/etc/pulp-manager/pulp-manager.ini", "path to the application INI config")
	flags.String("fleet-config", "/etc/pulp-manager/fleet.yaml", "path to the fleet catalog YAML")
	flags.String("data-dir", "/var/lib/pulp-manager", "directory for the bbolt job store")
	flags.String("secrets-dir", "/var/run/secrets/pulp-manager", "root directory Vault Agent renders credentials files into")
	flags.String("listen-addr", ":9090", "address for the /metrics, /health, /ready, /live endpoints")
	flags.Duration("poll-interval", worker.DefaultPollInterval, "how often the Worker polls the Job Store for queued jobs")
	flags.Duration("credentials-ttl", credentials.DefaultCacheTTL, "how long resolved credentials stay cached")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	appConfigPath, _ := flags.GetString("app-config")
	fleetConfigPath, _ := flags.GetString("fleet-config")
	dataDir, _ := flags.GetString("data-dir")
	secretsDir, _ := flags.GetString("secrets-dir")
	listenAddr, _ := flags.GetString("listen-addr")
	pollInterval, _ := flags.GetDuration("poll-interval")
	credentialsTTL, _ := flags.GetDuration("credentials-ttl")

	appConfig, err := config.LoadApp(appConfigPath)
	if err != nil {
		return fmt.Errorf("loading app config: %w", err)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	logger := log.WithComponent("main")

	catalog, err := config.LoadFleet(fleetConfigPath)
	if err != nil {
		return fmt.Errorf("loading fleet config: %w", err)
	}

	store, err := storage.NewBoltJobStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	secretStore := credentials.NewFileSecretStore(secretsDir, appConfig.Vault.RepoSecretNamespace)
	resolver, err := credentials.NewResolver(secretStore, credentialsTTL)
	if err != nil {
		return fmt.Errorf("creating credentials resolver: %w", err)
	}

	sched := scheduler.NewScheduler(store, appConfig.Pulp.GitRepoConfigDir)
	wrk := worker.NewWorker(store, resolver, appConfig, pollInterval)

	var catalogMu sync.Mutex
	applyCatalog := func(cat *types.Catalog) error {
		if err := sched.Reload(cat); err != nil {
			return fmt.Errorf("reloading scheduler: %w", err)
		}
		wrk.SetCatalog(cat)
		return nil
	}

	catalogMu.Lock()
	if err := applyCatalog(catalog); err != nil {
		catalogMu.Unlock()
		return err
	}
	catalogMu.Unlock()

	metrics.SetVersion(Version)
	metrics.RegisterComponent(metrics.ComponentJobStore, true, "")
	metrics.RegisterComponent(metrics.ComponentScheduler, true, "")
	metrics.RegisterComponent(metrics.ComponentWorker, true, "")

	collector := metrics.NewCollector(store, resolver)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wrk.Run(ctx)
	}()

	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info().Str("listen_addr", listenAddr).Msg("pulp-manager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("reloading fleet config")
				next, err := config.LoadFleet(fleetConfigPath)
				if err != nil {
					logger.Error().Err(err).Msg("reloading fleet config")
					continue
				}

				catalogMu.Lock()
				merged := config.Merge(catalog, next)
				if err := applyCatalog(merged); err != nil {
					logger.Error().Err(err).Msg("applying reloaded fleet config")
					catalogMu.Unlock()
					continue
				}
				catalog = merged
				catalogMu.Unlock()
				logger.Info().Msg("fleet config reloaded")
				continue
			}

			logger.Info().Msg("shutting down")
			return shutdown(ctx, cancel, sched, httpServer, &wg)

		case err := <-errCh:
			logger.Error().Err(err).Msg("fatal error")
			_ = shutdown(ctx, cancel, sched, httpServer, &wg)
			return err
		}
	}
}

func shutdown(ctx context.Context, cancel context.CancelFunc, sched *scheduler.Scheduler, httpServer *http.Server, wg *sync.WaitGroup) error {
	sched.Stop()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
