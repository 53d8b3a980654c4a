package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amps-project/amps/internal/config"
	internalhttp "github.com/amps-project/amps/internal/http"
	"github.com/amps-project/amps/internal/manifest"
	"github.com/amps-project/amps/internal/observability"
	"github.com/amps-project/amps/internal/registry"
	"github.com/amps-project/amps/internal/resolver"
	"github.com/amps-project/amps/internal/scheduler"
	"github.com/amps-project/amps/internal/transcoder"
	"github.com/amps-project/amps/internal/version"
	"github.com/amps-project/amps/internal/watcher"
)

// shutdownDeadline bounds the teardown of children and in-flight
// requests after a stop signal.
const shutdownDeadline = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the amps server",
	Long: `Start the amps HTTP server.

The server publishes /playlist.m3u and /epg.xml, relays channel media
at /stream/{id} (with /audio, /hls and /dash variants), and exposes a
REST API for channel CRUD under /api.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	path, file, err := loadChannelsFile(logger)
	if err != nil {
		return err
	}
	for _, warning := range file.Warnings {
		logger.Warn("channels file warning", slog.String("warning", warning))
	}

	reg := registry.New(file.Profiles).WithLogger(logger)
	reg.ApplyFile(file.Channels)

	res := resolver.New(cfg.Resolver, logger)
	mgr := transcoder.NewManager(&cfg.Transcoder, reg,
		transcoder.WithResolver(res),
		transcoder.WithLogger(logger))
	reg.SetCascader(mgr)
	segments := manifest.NewServer(mgr, &cfg.Transcoder)

	sched := scheduler.New(cfg.Scheduler, reg, scheduledValues(file.Scheduled)).
		WithLogger(logger)

	janitor, err := scheduler.NewJanitor(cfg.Maintenance, &cfg.Transcoder, mgr, logger)
	if err != nil {
		return fmt.Errorf("configuring media sweep: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := internalhttp.NewServer(&cfg.Server, reg, mgr, segments,
		internalhttp.WithLogger(logger),
		internalhttp.WithShutdownSignal(stop))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	janitor.Start()

	var fileWatcher *watcher.Watcher
	if cfg.Watch.Enabled && path != "" {
		fileWatcher = watcher.New(cfg.Watch, path, watcher.ApplierFunc(func(f *config.ChannelsFile) {
			reg.ApplyFile(f.Channels)
			sched.Replace(scheduledValues(f.Scheduled))
		}), logger)
		if err := fileWatcher.Start(); err != nil {
			return fmt.Errorf("starting channels watcher: %w", err)
		}
	}

	logger.Info("starting amps",
		slog.String("version", version.Version),
		slog.String("address", cfg.Server.Address()),
		slog.Int("streams", reg.Len()),
		slog.Int("scheduled", len(file.Scheduled)),
		slog.Bool("auth", cfg.Server.Token != ""))

	serveErr := server.ListenAndServe(ctx)

	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	sched.Stop()
	janitor.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := mgr.Shutdown(drainCtx); err != nil {
		logger.Error("transcoder shutdown incomplete", slog.Any("error", err))
	}

	return serveErr
}

// loadChannelsFile locates and parses the channels document, which
// shares the application's config file. A missing file yields an empty
// catalogue; a present but invalid one aborts boot.
func loadChannelsFile(logger *slog.Logger) (string, *config.ChannelsFile, error) {
	path := configPath()
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("no channels file found, starting with an empty catalogue",
			slog.String("path", path))
		return "", &config.ChannelsFile{Profiles: map[string]*config.Profile{}}, nil
	}
	file, err := config.LoadChannels(path)
	if err != nil {
		return "", nil, fmt.Errorf("loading channels from %s: %w", path, err)
	}
	return path, file, nil
}

func scheduledValues(in []*config.ScheduledChannel) []config.ScheduledChannel {
	out := make([]config.ScheduledChannel, 0, len(in))
	for _, sc := range in {
		out = append(out, *sc)
	}
	return out
}
