package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/WatchRoom/internal/adapters/http"
	wsignal "github.com/dkeye/WatchRoom/internal/adapters/signal"
	"github.com/dkeye/WatchRoom/internal/apikeys"
	"github.com/dkeye/WatchRoom/internal/app"
	"github.com/dkeye/WatchRoom/internal/app/orch"
	"github.com/dkeye/WatchRoom/internal/auth"
	"github.com/dkeye/WatchRoom/internal/bus"
	"github.com/dkeye/WatchRoom/internal/config"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/db"
	"github.com/dkeye/WatchRoom/internal/metrics"
	"github.com/dkeye/WatchRoom/internal/playback"
	"github.com/dkeye/WatchRoom/internal/ratelimit"
	"github.com/dkeye/WatchRoom/internal/store"
	"github.com/dkeye/WatchRoom/internal/telemetry"
	"github.com/dkeye/WatchRoom/internal/turn"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Driver == "redis" || cfg.Bus.Driver == "redis"
}

func openRedis(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", c.Addr, err)
	}
	return rdb, nil
}

func openBus(cfg *config.Config, rdb *redis.Client, nodeID string) (core.Bus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		return bus.NewRedis(rdb), nil
	case "nats":
		nc, err := bus.DialNATS(cfg.NATS.URL, "watchroom-"+nodeID)
		if err != nil {
			return nil, fmt.Errorf("nats %s: %w", cfg.NATS.URL, err)
		}
		return bus.NewNATS(nc), nil
	default:
		return bus.NewLocal(), nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		if rdb, err = openRedis(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
	}

	durable := store.NewWriteBehind(store.NewSQLPersister(gdb), 256)
	defer durable.Close()
	opts := store.Options{
		SpeakerCapacity: cfg.Room.SpeakerCapacity,
		ChatHistory:     cfg.Store.ChatHistory,
		NodeID:          nodeID,
		NodeTTL:         cfg.Store.NodeTTL,
		Durable:         durable,
	}

	var (
		rooms     core.RoomStore
		limiter   core.Limiter
		heartbeat func(context.Context) error
	)
	if cfg.Store.Driver == "redis" {
		rs := store.NewRedisStore(rdb, opts)
		rooms, heartbeat = rs, rs.Heartbeat
		limiter = ratelimit.NewRedisLimiter(rdb, nil)
	} else {
		rooms = store.NewMemoryStore(opts)
		limiter = ratelimit.NewMemoryLimiter(nil)
	}
	rooms = store.Observe(rooms, m)

	b, err := openBus(cfg, rdb, nodeID)
	if err != nil {
		return err
	}
	defer b.Close()

	verifier := auth.NewVerifier(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))

	events := telemetry.NewLog(gdb, 1024)
	defer events.Close()

	slow, err := app.ParseBackpressure(cfg.WS.SlowConsumer)
	if err != nil {
		return err
	}

	engine := playback.NewEngine(nil)
	o := &orch.Orchestrator{
		NodeID:      nodeID,
		Registry:    app.NewRegistry(),
		Store:       rooms,
		Limiter:     limiter,
		Rules:       cfg.Limits,
		Bus:         b,
		Playback:    engine,
		Verifier:    verifier,
		Policy:      app.SimplePolicy{Action: slow},
		Metrics:     m,
		Events:      events,
		Timeout:     cfg.Store.Timeout,
		ChatHistory: cfg.Store.ChatHistory,
	}

	var ice *turn.Generator
	if len(cfg.TURN.STUN) > 0 || cfg.TURN.URL != "" {
		ice = &turn.Generator{STUN: cfg.TURN.STUN, Secret: cfg.TURN.Secret, TTL: cfg.TURN.TTL}
		if cfg.TURN.URL != "" {
			ice.TURN = []string{cfg.TURN.URL}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if heartbeat != nil {
		g.Go(func() error { return heartbeat(gctx) })
	}
	if err := o.Start(gctx); err != nil {
		return err
	}

	r := router.SetupRouter(gctx, router.Deps{
		Mode:        cfg.Mode,
		MetricsPath: cfg.MetricsPath,
		Orch:        o,
		Verifier:    verifier,
		Rooms:       store.NewCached(rooms, cfg.Store.CacheTTL),
		Playback:    engine,
		Keys:        apikeys.NewService(gdb),
		Telemetry:   events,
		ICE:         ice,
		Gatherer:    reg,
		WS: wsignal.Config{
			ReadLimit:  cfg.WS.ReadLimit,
			PingPeriod: cfg.WS.PingPeriod,
			WriteWait:  cfg.WS.WriteWait,
			SendBuffer: cfg.WS.SendBuffer,
		},
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("node", nodeID).Msg("WatchRoom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		o.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
