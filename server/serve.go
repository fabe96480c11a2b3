package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"boardcraft/internal/api"
	"boardcraft/internal/config"
	"boardcraft/internal/discovery"
	"boardcraft/internal/journal"
	"boardcraft/internal/relay"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listen       string
	gracePeriod  time.Duration
	queueSize    int
	maxFrameSize int64
	redisAddr    string
	databaseURL  string
	mdns         bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve websocket rooms and the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(cmd, opts.apply(cmd))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", "", "HTTP listen address (default :3001)")
	flags.DurationVar(&opts.gracePeriod, "grace-period", 0, "how long an empty room is kept (default 5m)")
	flags.IntVar(&opts.queueSize, "queue-size", 0, "frames queued per connection before it is dropped (default 256)")
	flags.Int64Var(&opts.maxFrameSize, "max-frame-size", 0, "largest accepted frame in bytes (default 1MiB)")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "redis address for the cluster bus (default $REDIS_ADDR, empty runs standalone)")
	flags.StringVar(&opts.databaseURL, "database-url", "", "postgres URL for the room journal (default $DATABASE_URL, empty keeps it in memory)")
	flags.BoolVar(&opts.mdns, "mdns", true, "advertise the relay over mDNS")
	return cmd
}

// apply returns the override for flags set on the command line.
func (o *serveOptions) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Relay.Listen = o.listen
		}
		if flags.Changed("grace-period") {
			cfg.Relay.GracePeriod = o.gracePeriod
		}
		if flags.Changed("queue-size") {
			cfg.Relay.QueueSize = o.queueSize
		}
		if flags.Changed("max-frame-size") {
			cfg.Relay.MaxFrameSize = o.maxFrameSize
		}
		if flags.Changed("redis-addr") {
			cfg.Redis.Addr = o.redisAddr
		}
		if flags.Changed("database-url") {
			cfg.Database.URL = o.databaseURL
		}
		if flags.Changed("mdns") {
			cfg.Discovery.Enabled = o.mdns
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var bus relay.Bus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		redisBus := relay.NewRedisBus(client, logger)
		defer redisBus.Close()
		bus = redisBus
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	var events journal.Journal
	var history api.Historian
	if cfg.Database.URL != "" {
		pg, err := journal.OpenPostgres(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		events, history = pg, pg
		logger.Info("connected to postgres")
	} else {
		memory := journal.NewMemory(cfg.Database.HistoryLimit)
		events, history = memory, memory
	}

	registry := relay.NewRegistry(relay.Options{
		GracePeriod: cfg.Relay.GracePeriod,
		Logger:      logger,
		Journal:     events,
		Bus:         bus,
		InstanceID:  cfg.Relay.InstanceID,
	})
	defer registry.Close()

	router := api.NewRouter(api.Options{
		Rooms: registry,
		Websocket: relay.NewHandler(registry, relay.HandlerOptions{
			Logger:       logger,
			QueueSize:    cfg.Relay.QueueSize,
			MaxFrameSize: cfg.Relay.MaxFrameSize,
		}),
		History: history,
		Logger:  logger,
	})

	listener, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Relay.Listen, err)
	}

	if cfg.Discovery.Enabled {
		port := listener.Addr().(*net.TCPAddr).Port
		text := []string{"version=1", "instance=" + registry.InstanceID()}
		shutdown, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, port, text)
		if err != nil {
			// The relay is still reachable by address.
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			defer shutdown()
			logger.Info("mdns service registered", "service", cfg.Discovery.Service, "port", port)
		}
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	addr := listener.Addr().String()
	logger.Info("relay listening", "http", "http://"+addr, "ws", "ws://"+addr, "instance", registry.InstanceID())

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
