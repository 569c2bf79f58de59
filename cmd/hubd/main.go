package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hubd/internal/catalog"
	"hubd/internal/config"
	"hubd/internal/download"
	"hubd/internal/httpapi"
	"hubd/internal/inference"
	"hubd/internal/runtime"
	"hubd/internal/task"
	"hubd/internal/voice"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		cfgPath  string
		logLevel string
		cfg      config.Config
	)

	root := &cobra.Command{
		Use:           "hubd",
		Short:         "Local AI asset daemon: catalog, downloads, residency and voice training",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, logLevel, cfg)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", envOr("HUBD_CONFIG", ""), "Config file (.yaml/.json/.toml); flags override it")
	root.Flags().StringVar(&logLevel, "log-level", envOr("HUBD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	root.Flags().StringVar(&cfg.Addr, "addr", envOr("HUBD_ADDR", ""), "HTTP listen address (default :8900)")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", envOr("HUBD_DATA_DIR", ""), "State directory (default ~/.hubd)")
	root.Flags().StringVar(&cfg.ServerURL, "server-url", envOr("HUBD_SERVER_URL", ""), "Inference server base URL (default http://127.0.0.1:8999)")
	root.Flags().StringVar(&cfg.CatalogURL, "catalog-url", envOr("HUBD_CATALOG_URL", ""), "Remote catalog URL for refreshes")
	root.Flags().Float64Var(&cfg.MemoryBudgetGB, "memory-budget-gb", 0, "Memory budget for resident assets (0 = derive from host RAM)")
	root.Flags().StringVar(&cfg.HostedBase, "hosted-base", envOr("HUBD_HOSTED_BASE", ""), "Hosted repository API base (default https://huggingface.co)")
	root.Flags().StringVar(&cfg.MirrorBase, "mirror-base", envOr("HUBD_MIRROR_BASE", ""), "Mirror repository API base (default https://modelscope.cn)")
	root.Flags().BoolVar(&cfg.CORSEnabled, "cors", false, "Enable permissive CORS for local UIs")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hubd:", err)
		os.Exit(1)
	}
}

// mergeConfig layers flag values over the config file: a flag left at its
// zero value defers to the file, which defers to the built-in default.
func mergeConfig(flags, file config.Config) config.Config {
	out := file
	if flags.Addr != "" {
		out.Addr = flags.Addr
	}
	if flags.DataDir != "" {
		out.DataDir = flags.DataDir
	}
	if flags.ServerURL != "" {
		out.ServerURL = flags.ServerURL
	}
	if flags.CatalogURL != "" {
		out.CatalogURL = flags.CatalogURL
	}
	if flags.MemoryBudgetGB > 0 {
		out.MemoryBudgetGB = flags.MemoryBudgetGB
	}
	if flags.HostedBase != "" {
		out.HostedBase = flags.HostedBase
	}
	if flags.MirrorBase != "" {
		out.MirrorBase = flags.MirrorBase
	}
	if flags.CORSEnabled {
		out.CORSEnabled = true
	}
	return out
}

func withDefaults(cfg config.Config) config.Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8900"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "~/.hubd"
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://127.0.0.1:8999"
	}
	if cfg.HostedBase == "" {
		cfg.HostedBase = "https://huggingface.co"
	}
	if cfg.MirrorBase == "" {
		cfg.MirrorBase = "https://modelscope.cn"
	}
	return cfg
}

func run(cfgPath, logLevel string, flagCfg config.Config) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg := flagCfg
	if cfgPath != "" {
		fileCfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg = mergeConfig(flagCfg, fileCfg)
	}
	cfg = withDefaults(cfg)

	store := catalog.NewStore(cfg.DataDir, log)
	cat, err := store.Load()
	if err != nil {
		return err
	}
	log.Info().Str("version", cat.Version).Int("assets", cat.Len()).Msg("catalog ready")

	runner := task.NewRunner(log)
	downloads := download.NewManager(runner, download.Options{
		HostedBase: cfg.HostedBase,
		MirrorBase: cfg.MirrorBase,
		Token:      os.Getenv("HUBD_HOSTED_TOKEN"),
	}, log)
	rt := runtime.NewController(
		runtime.NewClient(cfg.ServerURL, nil),
		downloads,
		runner,
		runtime.Options{
			BudgetGB:    cfg.MemoryBudgetGB,
			LoadTimeout: time.Duration(cfg.LoadTimeoutMin) * time.Minute,
		},
		log,
	)
	voices := voice.NewController(
		voice.NewClient(cfg.ServerURL, nil),
		runner,
		voice.Options{
			PollInterval: time.Duration(cfg.TrainPollMS) * time.Millisecond,
			TrainTimeout: time.Duration(cfg.TrainTimeoutMin) * time.Minute,
		},
		log,
	)
	inf := inference.NewClient(cfg.ServerURL, nil)

	// Best effort: pick up residency left over from a previous run and
	// kick off a catalog refresh for the next launch.
	syncCtx, syncCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rt.SyncServer(syncCtx); err != nil {
		log.Warn().Err(err).Msg("inference server not reachable at startup")
	}
	syncCancel()
	if cfg.CatalogURL != "" {
		store.FetchRemote(runner, cfg.CatalogURL)
	}

	api := httpapi.NewServer(cat, store, runner, downloads, rt, voices, inf, httpapi.Options{
		CatalogURL:  cfg.CatalogURL,
		CORSEnabled: cfg.CORSEnabled,
	}, log)
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Handler()}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("server", cfg.ServerURL).
			Float64("budget_gb", rt.BudgetGB()).Msg("hubd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
