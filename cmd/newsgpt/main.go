package main

import (
	"context"
	_ "embed"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/youruser/newsgpt/internal/api"
	"github.com/youruser/newsgpt/internal/chat"
	"github.com/youruser/newsgpt/internal/config"
	"github.com/youruser/newsgpt/internal/logging"
	"github.com/youruser/newsgpt/internal/metrics"
	"github.com/youruser/newsgpt/internal/session"
	"github.com/youruser/newsgpt/internal/store"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

type flags struct {
	configPath  string
	baseURL     string
	storeKind   string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "newsgpt",
		Short:        "Chat client backend speaking JSON lines on stdin/stdout",
		Version:      versionString(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file (default ~/.config/newsgpt/config.yaml)")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "chat service base URL")
	cmd.Flags().StringVar(&f.storeKind, "store", "", "transcript store: file, sqlite or redis")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func loadConfig(f flags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFrom(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if f.baseURL != "" {
		cfg.BaseURL = f.baseURL
	}
	if f.storeKind != "" {
		cfg.Store.Backend = f.storeKind
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, f flags) error {
	defer log.Close()
	logBuildInfo()

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	slot, err := store.Open(cfg.Store)
	if err != nil {
		return errors.Wrapf(err, "open %s transcript store", cfg.Store.Backend)
	}
	defer slot.Close()

	var ids session.Generator = session.TimeRandom{}
	if cfg.IDScheme == config.IDULID {
		ids = session.NewULID()
	}

	client := api.NewClient(cfg.BaseURL, cfg.RequestTimeout)
	engine := chat.New(client, store.NewTranscript(slot, ""),
		chat.WithSessions(session.NewManager(cfg.BootstrapSession, session.TimeRandom{})),
		chat.WithMessageIDs(ids),
		chat.WithRefreshDelay(cfg.RefreshDelay),
		chat.WithIdleTimeout(cfg.StreamIdleTimeout),
		chat.WithServiceURL(client.BaseURL()),
	)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := newServer(engine, os.Stdout, cancel)
	defer srv.close()
	engine.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := srv.serve(gctx, os.Stdin)
		srv.wait()
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr)
		})
	}

	err = g.Wait()
	log.Info("Shutting down")
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics listening on %s", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision, buildTime, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	v := info.Main.Version
	if revision != "" {
		v = revision
	}
	if modified == "true" {
		v += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; newsgpt=%s; go=%s; time=%s", v, strings.TrimSpace(version), runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; newsgpt=%s; go=%s", v, strings.TrimSpace(version), runtime.Version())
}
