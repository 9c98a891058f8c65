// Command ionexus starts the data-plane process: it wires the reactor
// pool, persistent store, pool/nexus/rebuild registries and the ambient
// metrics/health surfaces together, then blocks until asked to shut down.
//
// The RPC server, CLI command surface beyond this thin entrypoint, config
// file loading and OS preflight are external collaborators per spec scope;
// this binary only starts the pieces §1-§9 actually describe.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/config"
	"github.com/flowstor/ionexus/pkg/lvs"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/nexus"
	"github.com/flowstor/ionexus/pkg/reactor"
	"github.com/flowstor/ionexus/pkg/rebuild"
	"github.com/flowstor/ionexus/pkg/share"
	"github.com/flowstor/ionexus/pkg/store"

	ionexuslog "github.com/flowstor/ionexus/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ionexus",
	Short: "ionexus - block-storage data-plane node agent",
	Long: `ionexus is the per-node data-plane of a distributed block-storage
service: it composes replicas into mirrored nexuses, serves them over
NVMe-oF, and rebuilds divergent replicas after failures.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ionexus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	runCmd.Flags().String("data-dir", "/var/lib/ionexus", "Directory for the persistent store database")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for the metrics/health HTTP server")
	runCmd.Flags().Int("reactors", 4, "Number of pinned reactor worker loops, index 0 is primary")
	runCmd.Flags().String("share-host", "127.0.0.1", "Host advertised in published NVMe-oF URIs")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	ionexuslog.Init(ionexuslog.Config{
		Level:      ionexuslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the data-plane node agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		numReactors, _ := cmd.Flags().GetInt("reactors")
		shareHost, _ := cmd.Flags().GetString("share-host")

		opts := config.Load()
		ionexuslog.Logger.Info().
			Int("bdev_io_pool_size", opts.BdevIOPoolSize).
			Int("iobuf_small_pool_count", opts.IobufSmallPoolCount).
			Msg("runtime options loaded")

		dbPath := dataDir + "/ionexus.db"
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewBoltStore(dbPath)
		if err != nil {
			return fmt.Errorf("open persistent store: %w", err)
		}
		metrics.RegisterComponent("store", true, "opened "+dbPath)

		reactors := reactor.NewPool(numReactors, 256)
		metrics.RegisterComponent("reactor", true, fmt.Sprintf("%d reactors started", numReactors))

		replicaShare := share.NewSimulated(shareHost)
		nexusShare := share.NewSimulated(shareHost).WithPort(share.NexusPort)

		pools := lvs.NewRegistry(st)
		lvs.SetShareTarget(replicaShare)
		bdev.RegisterLoopbackResolver(pools.ResolveLoopback)

		rebuilds := rebuild.NewRegistry()
		nexuses := nexus.NewRegistry(reactors, st, nexusShare, rebuilds)
		metrics.RegisterComponent("devmon", true, "consumer loop started")

		collector := metrics.NewCollector(nexuses, pools, rebuilds)
		collector.Start()

		metrics.SetVersion(Version)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		metrics.RegisterComponent("api", true, "metrics endpoint ready")
		fmt.Printf("ionexus data-plane started (pid %d)\n", os.Getpid())
		fmt.Printf("  metrics: http://%s/metrics\n", metricsAddr)
		fmt.Printf("  health:  http://%s/health\n", metricsAddr)
		fmt.Printf("  store:   %s\n", dbPath)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		collector.Stop()
		nexuses.Stop()
		_ = httpServer.Shutdown(shutdownCtx)
		if err := st.Close(); err != nil {
			ionexuslog.Logger.Warn().Err(err).Msg("store close failed")
		}

		fmt.Println("Shutdown complete")
		return nil
	},
}
