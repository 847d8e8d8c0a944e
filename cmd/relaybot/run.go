package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maxbolgarin/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg relay.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lang.If(cfg.Debug, slog.LevelDebug, slog.LevelInfo),
	}))

	settings, closeSettings, err := newSettings(ctx, cfg, log)
	if err != nil {
		return errm.Wrap(err, "new settings storage")
	}
	defer closeSettings()

	opts := []func(*relay.Options){
		relay.WithConfig(cfg),
		relay.WithLogger(log),
		relay.WithSettings(settings),
	}

	if cfg.Offload.Enabled {
		off, err := relay.NewS3Offloader(cfg.Offload)
		if err != nil {
			return errm.Wrap(err, "new offloader")
		}
		opts = append(opts, relay.WithOffloader(off))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts = append(opts, relay.WithMetrics(relay.MetricsConfig{Registry: reg, Namespace: "relaybot"}))

	bot, err := relay.New(ctx, cfg.Token, opts...)
	if err != nil {
		return errm.Wrap(err, "new bot")
	}

	var ops *http.Server
	if cfg.MetricsAddress != "" {
		ops = newOpsServer(cfg, reg)
		lang.Go(log, func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server failed", "error", err, "address", cfg.MetricsAddress)
			}
		})
		log.Info("ops server is started", "address", cfg.MetricsAddress)
	}

	bot.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := errm.NewList()
	if err := bot.Stop(shutdownCtx); err != nil {
		errs.Add(errm.Wrap(err, "stop bot"))
	}
	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			errs.Add(errm.Wrap(err, "shutdown ops server"))
		}
	}

	return errs.Err()
}

// newSettings creates storage of user preferences by the configured backend.
// Returned close function releases connections after the bot is stopped.
func newSettings(ctx context.Context, cfg relay.Config, log relay.Logger) (relay.SettingsStorage, func(), error) {
	switch cfg.Settings.Backend {
	case relay.SettingsMongo:
		if err := cfg.Settings.Mongo.Validate(); err != nil {
			return nil, nil, errm.Wrap(err, "mongo config")
		}
		db, err := relay.NewMongo(ctx, cfg.Settings.Mongo)
		if err != nil {
			return nil, nil, errm.Wrap(err, "connect mongo")
		}
		s, err := relay.NewMongoSettings(ctx, db, cfg.Settings.Mongo.Workers, log)
		if err != nil {
			db.Close(context.Background())
			return nil, nil, errm.Wrap(err, "new mongo settings")
		}
		return s, func() {
			if err := db.Close(context.Background()); err != nil {
				log.Error("cannot close mongo", "error", err)
			}
		}, nil

	case relay.SettingsRedis:
		s, err := relay.NewRedisSettings(ctx, cfg.Settings.Redis, log)
		if err != nil {
			return nil, nil, errm.Wrap(err, "new redis settings")
		}
		return s, func() {}, nil

	default:
		s, err := relay.NewInMemorySettings(lang.Check(cfg.SessionCapacity, 10000))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func newOpsServer(cfg relay.Config, reg *prometheus.Registry) *http.Server {
	gin.SetMode(lang.If(cfg.Debug, gin.DebugMode, gin.ReleaseMode))
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
