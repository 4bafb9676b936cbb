package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzan03/EasyTransfer/internal/config"
	"github.com/arzan03/EasyTransfer/internal/db"
	"github.com/arzan03/EasyTransfer/internal/registry"
	"github.com/arzan03/EasyTransfer/internal/server"
	"github.com/arzan03/EasyTransfer/internal/services"
	"github.com/arzan03/EasyTransfer/internal/storage"
	"github.com/arzan03/EasyTransfer/internal/upnp"
)

func newServeCmd() *cobra.Command {
	var (
		port     int
		count    int
		duration time.Duration
		useUPnP  bool
		sleep    time.Duration
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("count") {
				cfg.DefaultCount = count
			}
			if flags.Changed("duration") {
				cfg.DefaultTTL = duration
			}
			if flags.Changed("upnp") {
				cfg.UPnP = useUPnP
			}
			if flags.Changed("sleep") {
				cfg.Sleep = sleep
			}
			if verbose {
				cfg.LogLevel = slog.LevelDebug
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 1235, "port to listen on")
	flags.IntVarP(&count, "count", "c", registry.DefaultCount, "default number of downloads before a link expires")
	flags.DurationVarP(&duration, "duration", "d", registry.DefaultTTL, "default lifetime of a link")
	flags.BoolVar(&useUPnP, "upnp", true, "map the port on the internet gateway")
	flags.DurationVar(&sleep, "sleep", 0, "stop after this long (0 runs until interrupted)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug output and every request")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	if cfg.Sleep > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Sleep)
		defer cancel()
	}

	instance := services.NewInstanceID()
	var journal services.Journal = services.NewLogJournal(instance, logger)
	if cfg.MongoURI != "" {
		client, err := db.ConnectMongoDB(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}()
		journal = services.NewMongoJournal(db.EventsCollection(client, cfg.MongoDB), instance, logger)
		logger.Info("journal enabled", slog.String("database", cfg.MongoDB))
	}

	var opts []registry.Option
	if cfg.MinioEndpoint != "" {
		mirror, err := storage.NewMinioMirror(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			_ = journal.Close(context.Background())
			return err
		}
		opts = append(opts, registry.WithPackagedHook(mirror.Hook(ctx)))
		logger.Info("archive mirror enabled", slog.String("bucket", cfg.MinioBucket))
	}

	reg, err := registry.New(registry.Config{
		WorkDir:     cfg.WorkDir,
		Default:     registry.Policy{Count: cfg.DefaultCount, TTL: cfg.DefaultTTL},
		PackWorkers: cfg.PackWorkers,
		PackTimeout: cfg.PackTimeout,
	}, logger, opts...)
	if err != nil {
		_ = journal.Close(context.Background())
		return err
	}

	var mapper upnp.Mapper
	if cfg.UPnP {
		gw, err := upnp.Discover(ctx, logger)
		if err != nil {
			logger.Warn("continuing without port mapping", slog.String("error", err.Error()))
		} else {
			mapper = gw
		}
	}

	srv := server.New(server.Config{
		Port:         cfg.Port,
		PortAttempts: cfg.PortAttempts,
		StatePath:    server.DefaultStatePath(),
		AccessLog:    cfg.LogLevel <= slog.LevelDebug,
	}, reg, journal, mapper, logger)
	return srv.Run(ctx)
}
