package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/truenas/nvmetd/pkg/api"
	"github.com/truenas/nvmetd/pkg/config"
	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/kernel"
	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/manager"
	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/reconciler"
	"github.com/truenas/nvmetd/pkg/security"
	"github.com/truenas/nvmetd/pkg/spdk"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/volume"
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
	Use:   "nvmetd",
	Short: "nvmetd - NVMe over Fabrics target configuration daemon",
	Long: `nvmetd keeps the NVMe-oF target of this system in line with its
stored configuration. Hosts, ports, subsystems and namespaces are managed
through a REST API and rendered into either the Linux kernel target
(configfs) or an SPDK application (JSON-RPC).`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nvmetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringP("config", "c", config.DefaultConfigPath, "Configuration file")
	rootCmd.Flags().String("data-dir", "", "Data directory (overrides the configuration file)")
	rootCmd.Flags().String("api-addr", "", "TCP address of the read-write API")
	rootCmd.Flags().String("api-socket", "", "UNIX socket of the read-only API, empty in the file disables it")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("start", false, "Start the target service once the daemon is up")
}

// loadConfig reads the configuration file and applies flags that were set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"data-dir", &cfg.DataDir},
		{"api-addr", &cfg.APIAddr},
		{"api-socket", &cfg.APISocket},
		{"log-level", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst, _ = cmd.Flags().GetString(o.flag)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      cfg.LogLevel(),
		JSONOutput: cfg.Log.Format == "json",
	})
	logger := log.WithComponent("daemon")
	logger.Info().Str("version", Version).Str("config", cfg.String()).Msg("Starting nvmetd")

	api.Version = Version
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	if cfg.EncryptionPassphrase != "" {
		secrets, err := security.NewSecretsManagerFromPassword(cfg.EncryptionPassphrase)
		if err != nil {
			return fmt.Errorf("failed to initialize encryption: %w", err)
		}
		store.SetSecretsManager(secrets)
	}
	metrics.RegisterComponent("store", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	interfaces := network.NewLinkSource()
	mgr, err := manager.NewManager(&manager.Config{
		Store:      store,
		Broker:     broker,
		Volumes:    volume.NewLocalDriver(),
		Interfaces: interfaces,
		Failover:   cfg.Failover,
		System:     cfg.System,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	kernelTarget := kernel.NewHostTarget(cfg.Target.KernelConfigDir,
		kernel.WithRetries(cfg.Target.AttrRetries, cfg.Target.RetryDelay),
		kernel.WithModuleLoading(cfg.Target.LoadModules),
	)
	mgr.SetNamespaceController(kernelTarget)

	spdkTarget := spdk.NewTarget(spdk.NewClient(cfg.Target.SPDKSocket),
		spdk.WithKeyDir(cfg.Target.SPDKKeyDir),
		spdk.WithSetupScript(cfg.Target.SPDKSetup),
		spdk.WithInterfaces(interfaces),
	)

	recon := reconciler.NewReconciler(mgr, reconciler.Config{
		Kernel:   kernelTarget,
		SPDK:     spdkTarget,
		Interval: cfg.ReconcileInterval,
	})
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if start, _ := cmd.Flags().GetBool("start"); start {
		if err := recon.StartService(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start the target service")
		}
	}

	server := api.NewServer(mgr, recon)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.APIAddr)
	})
	if cfg.APISocket != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.APISocket), 0755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		g.Go(func() error {
			return server.StartUnix(cfg.APISocket)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	metrics.RegisterComponent("api", true, "")

	// The target keeps serving I/O after the daemon exits, its state lives
	// in the kernel or the SPDK application.
	if err := g.Wait(); err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
