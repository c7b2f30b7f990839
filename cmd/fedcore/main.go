package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"fedcore/pkg/config"
	"fedcore/pkg/delivery"
	"fedcore/pkg/federation"
	"fedcore/pkg/identity"
	"fedcore/pkg/inbound"
	"fedcore/pkg/server"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
	"fedcore/pkg/worker"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedcore",
		Short: "Federation core of a social network node",
		Long: `Receives, verifies and dispatches federated activity messages and
delivers outbound messages to remote peers over the native, Diaspora and mail
dialects.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		resolveCmd(),
		configCmd(),
		peersCmd(),
		keygenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// node holds the wired components of a running daemon.
type node struct {
	store      *store.SQLite
	resolver   *identity.Resolver
	dispatcher *inbound.Dispatcher
	deliverer  *delivery.Orchestrator
	queue      *worker.Queue[delivery.Job]
	server     *server.Server
}

func newNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	st, err := store.OpenSQLite(cfg.DatabasePath, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := federation.NewMetrics(registry)
	blocklist := federation.NewBlocklist(cfg.BlockedHosts)

	client := transport.New(transport.Options{
		Timeout: cfg.Delivery.TransmitTimeout.Std(),
		Logger:  logger.Named("transport"),
	})
	resolver := identity.NewResolver(st, transport.New(transport.Options{
		Timeout: cfg.Discovery.Timeout.Std(),
		Logger:  logger.Named("transport"),
	}), identity.Options{
		CacheTTL: cfg.Discovery.CacheTTL.Std(),
		Timeout:  cfg.Discovery.Timeout.Std(),
		Metrics:  metrics,
		Logger:   logger.Named("identity"),
	})

	var mailer delivery.Mailer
	if cfg.Protocols.Mail {
		mailer = &delivery.SMTPMailer{Addr: cfg.Mail.SMTPAddress}
	}
	deliverer := delivery.New(st, resolver, client, nil, delivery.Options{
		Hostname:         cfg.Hostname,
		BaseURL:          cfg.BaseURL,
		Diaspora:         cfg.Protocols.Diaspora,
		Mail:             cfg.Protocols.Mail,
		ArchiveThreshold: cfg.Delivery.ArchiveThreshold,
		Blocklist:        blocklist,
		Mailer:           mailer,
		MailFrom:         cfg.Mail.From,
		Metrics:          metrics,
		Logger:           logger.Named("delivery"),
	})

	queue := worker.New[delivery.Job](deliverer.Handle, worker.Options{
		Workers: cfg.Delivery.Workers,
		Backoff: federation.Backoff{
			BaseDelay:    cfg.Delivery.BaseDelay.Std(),
			MaxDelay:     cfg.Delivery.MaxDelay.Std(),
			JitterFactor: cfg.Delivery.Jitter,
			MaxAttempts:  cfg.Delivery.MaxAttempts,
		},
		Metrics: metrics,
		Logger:  logger.Named("worker"),
	})
	deliverer.SetScheduler(queue)

	dispatcher := inbound.New(st, resolver, client, queue, deliverer, inbound.Options{
		Relay:            cfg.Relay,
		DiasporaDisabled: !cfg.Protocols.Diaspora,
		MaxFetchDepth:    cfg.Inbound.MaxFetchDepth,
		ParticipationTTL: cfg.Inbound.ParticipationTTL.Std(),
		Blocklist:        blocklist,
		Metrics:          metrics,
		Logger:           logger.Named("inbound"),
	})

	srv := server.New(dispatcher, st, server.Options{
		Hostname:       cfg.Hostname,
		BaseURL:        cfg.BaseURL,
		MaxPayloadSize: int64(cfg.MaxPayloadSize),
		GRPCHealthAddr: cfg.GRPCHealthAddr,
		Gatherer:       registry,
		Logger:         logger.Named("server"),
	})

	return &node{
		store:      st,
		resolver:   resolver,
		dispatcher: dispatcher,
		deliverer:  deliverer,
		queue:      queue,
		server:     srv,
	}, nil
}

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoints and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}

			n, err := newNode(cfg, logger)
			if err != nil {
				return err
			}
			defer n.store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting fedcore",
				zap.String("hostname", cfg.Hostname),
				zap.String("address", cfg.ListenAddress),
				zap.Int("workers", cfg.Delivery.Workers),
				zap.Bool("diaspora", cfg.Protocols.Diaspora),
				zap.Bool("mail", cfg.Protocols.Mail))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return n.queue.Run(ctx) })
			g.Go(func() error { return n.server.Run(ctx, cfg.ListenAddress) })
			if err := g.Wait(); err != nil && err != context.Canceled {
				return err
			}
			logger.Info("Stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
