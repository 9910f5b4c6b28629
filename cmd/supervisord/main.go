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

	"github.com/quentingllmt/host-supervisor/internal/api"
	"github.com/quentingllmt/host-supervisor/internal/applyloop"
	"github.com/quentingllmt/host-supervisor/internal/config"
	"github.com/quentingllmt/host-supervisor/internal/events"
	"github.com/quentingllmt/host-supervisor/internal/executor"
	"github.com/quentingllmt/host-supervisor/internal/hostctl"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/log"
	"github.com/quentingllmt/host-supervisor/internal/runtime"
	"github.com/quentingllmt/host-supervisor/internal/security"
	"github.com/quentingllmt/host-supervisor/internal/storage"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

var (
	// Version information (set via ldflags during build).
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
	Use:   "supervisord",
	Short: "supervisord reconciles a device's running containers against its declared target state",
	Long: `supervisord is an on-device agent that continuously reconciles the
containers, networks and volumes running on this host against a
declared target state, pulling images and starting, stopping or
restarting services as that target state changes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"supervisord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", config.Default().DataDir, "Directory for persisted state (bolt databases)")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket path (auto-detected if not specified)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor agent",
	Long: `Run starts the Apply Loop and Control API and blocks until the
process receives an interrupt or termination signal.`,
	RunE: runSupervisor,
}

func init() {
	runCmd.Flags().String("api-addr", config.Default().APIAddr, "Address the Control API listens on")
	runCmd.Flags().Duration("poll-interval", config.Default().PollInterval, "Interval between apply cycles absent an explicit trigger")
	runCmd.Flags().String("passphrase", os.Getenv("SUPERVISOR_PASSPHRASE"), "Passphrase used to derive the at-rest encryption key for the key store")
	runCmd.Flags().Float64("rate-limit-hz", config.Default().RateLimitPerSecond, "Control API per-client rate limit, requests/second")
	runCmd.Flags().Int("rate-limit-burst", config.Default().RateLimitBurst, "Control API per-client rate limit burst")
	runCmd.Flags().Bool("local-mode", false, "Accept target state directly from the local Control API instead of a cloud poller")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	rateHz, _ := cmd.Flags().GetFloat64("rate-limit-hz")
	rateBurst, _ := cmd.Flags().GetInt("rate-limit-burst")
	localMode, _ := cmd.Flags().GetBool("local-mode")

	cfg := config.Config{
		DataDir:              dataDir,
		ContainerdSocket:     socketPath,
		APIAddr:              apiAddr,
		PollInterval:         pollInterval,
		EncryptionPassphrase: passphrase,
		RateLimitPerSecond:   rateHz,
		RateLimitBurst:       rateBurst,
		LocalMode:            localMode,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	if cfg.LocalMode {
		local, err := store.GetLocalConfig()
		if err != nil {
			return fmt.Errorf("load local config: %w", err)
		}
		local.LocalMode = true
		if err := store.SetLocalConfig(local); err != nil {
			return fmt.Errorf("persist local mode: %w", err)
		}
	}

	keys, err := security.NewStore(cfg.DataDir+"/keys.db", security.DeriveKey(cfg.EncryptionPassphrase))
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer keys.Close()

	socket := cfg.ContainerdSocket
	if socket == "" {
		socket = runtime.DefaultSocketPath
	}
	adapter, err := runtime.NewContainerdAdapter(socket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer adapter.Close()

	broker := events.NewBroker()
	locks := lock.NewKeyed()

	lockPath := func(svc *types.Service) []string {
		return lock.ServiceLockPaths(fmt.Sprintf("%s/services/%d", cfg.DataDir, svc.ServiceID))
	}
	exec := executor.New(adapter, locks, broker, lockPath)

	loop := applyloop.New(
		applyloop.Config{PollInterval: cfg.PollInterval, MinBackoff: time.Second, MaxBackoff: 5 * time.Minute},
		store, exec, broker, locks,
		snapshotFunc(store, adapter),
	)
	loop.Start()
	defer loop.Stop()

	srv := api.New(api.Deps{
		Store:          store,
		Executor:       exec,
		Loop:           loop,
		Broker:         broker,
		Keys:           keys,
		Host:           hostctl.NewHostPrimitive(),
		VPN:            hostctl.NewNoopVPNStatus(),
		Blink:          hostctl.NewNoopBlinkController(),
		CloudReporter:  hostctl.NewNoopReporter(),
		Locks:          locks,
		RateLimitHz:    cfg.RateLimitPerSecond,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: srv}
	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("main").Info().Str("addr", cfg.APIAddr).Msg("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("control API server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// snapshotFunc refreshes the observed state of every target application's
// services by probing the runtime adapter for each one's container
// status, using the same container ID convention the executor assigns
// on start.
func snapshotFunc(store storage.Store, rt runtime.Adapter) func(ctx context.Context) (types.CurrentApps, error) {
	return func(ctx context.Context) (types.CurrentApps, error) {
		target, err := store.GetTargetApps()
		if err != nil {
			return nil, fmt.Errorf("load target apps for snapshot: %w", err)
		}

		current := make(types.CurrentApps, len(target))
		for appID, app := range target {
			observed := &types.Application{
				AppID:     app.AppID,
				Name:      app.Name,
				Source:    app.Source,
				ReleaseID: app.ReleaseID,
				Commit:    app.Commit,
				Networks:  app.Networks,
				Volumes:   app.Volumes,
			}

			for _, svc := range app.Services {
				containerID := fmt.Sprintf("svc-%d-%d", svc.AppID, svc.ServiceID)
				status, err := rt.ContainerStatus(ctx, containerID)
				if err != nil {
					status = types.StatusStopped
				}

				observedSvc := *svc
				observedSvc.ContainerID = containerID
				observedSvc.Status = status
				observed.Services = append(observed.Services, &observedSvc)
			}

			current[appID] = observed
		}

		return current, nil
	}
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Issue a new Control API key",
	Long: `Keygen issues and prints a new API key, scoped either to every
application ("*") or to a specific appId, for operators to pass via the
Control API's Authorization header.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().String("passphrase", os.Getenv("SUPERVISOR_PASSPHRASE"), "Passphrase used to derive the at-rest encryption key for the key store")
	keygenCmd.Flags().Int64("app-id", 0, "Restrict the key to this application; 0 issues an unscoped key")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	appID, _ := cmd.Flags().GetInt64("app-id")

	if passphrase == "" {
		return fmt.Errorf("a passphrase is required (set --passphrase or SUPERVISOR_PASSPHRASE)")
	}

	keys, err := security.NewStore(dataDir+"/keys.db", security.DeriveKey(passphrase))
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer keys.Close()

	scope := types.KeyScope{All: true}
	if appID != 0 {
		scope = types.KeyScope{Apps: map[types.AppID]bool{types.AppID(appID): true}}
	}

	key, err := keys.Issue(scope)
	if err != nil {
		return fmt.Errorf("issue key: %w", err)
	}

	fmt.Println(key.Token)
	return nil
}
