package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/racenet/internal/config"
	"github.com/DoyleJ11/racenet/internal/httpapi"
	"github.com/DoyleJ11/racenet/internal/hub"
	"github.com/DoyleJ11/racenet/internal/identity"
	"github.com/DoyleJ11/racenet/internal/lobby"
	"github.com/DoyleJ11/racenet/internal/metrics"
	"github.com/DoyleJ11/racenet/internal/protocol"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/registry"
	"github.com/DoyleJ11/racenet/internal/store"
	"github.com/DoyleJ11/racenet/internal/transport"
)

var version = "dev"

var errSessionEnded = errors.New("game session stopped on its own")

// database is what the server needs from a store.
type database interface {
	store.BanList
	store.LapRecorder
	httpapi.BestLaps
}

type options struct {
	envFile string
	debug   bool
	profile bool
}

func main() {
	var opts options
	cfg := config.Server{}

	rootCmd := &cobra.Command{
		Use:           "racenet-server",
		Short:         "Authoritative racing session server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(opts.envFile); err != nil {
				return err
			}
			loaded, err := config.LoadServer()
			if err != nil {
				return err
			}
			return applyFlags(cmd, &loaded, &cfg)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.BoolVar(&opts.debug, "debug", false, "human readable debug logging")
	f.BoolVar(&opts.profile, "profile", false, "record tick section timings")
	f.StringVar(&cfg.GameAddress, "addr", "", "game listen address (GAME_ADDRESS)")
	f.IntVar(&cfg.GamePort, "port", 0, "game port for both channels (GAME_PORT)")
	f.StringVar(&cfg.HTTPAddr, "http", "", "admin HTTP address (HTTP_ADDR)")
	f.StringVar(&cfg.Name, "name", "", "server name (SERVER_NAME)")
	f.StringVar(&cfg.Racetrack, "racetrack", "", "racetrack to host (RACETRACK)")
	f.Uint8Var(&cfg.Laps, "laps", 0, "laps per race (LAPS)")
	f.StringVar(&cfg.DatabaseURL, "database", "", "postgres DSN; in-memory when empty (DATABASE_URL)")
	f.StringVar(&cfg.RedisAddr, "redis", "", "master-server redis; not announced when empty (REDIS_ADDR)")
	f.StringVar(&cfg.AdvertiseAddress, "advertise", "", "host[:port] published to the master server (ADVERTISE_ADDRESS)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags override the environment.
func applyFlags(cmd *cobra.Command, env, flags *config.Server) error {
	set := cmd.Flags().Changed
	if set("addr") {
		env.GameAddress = flags.GameAddress
	}
	if set("port") {
		env.GamePort = flags.GamePort
	}
	if set("http") {
		env.HTTPAddr = flags.HTTPAddr
	}
	if set("name") {
		env.Name = flags.Name
	}
	if set("racetrack") {
		env.Racetrack = flags.Racetrack
	}
	if set("laps") {
		if flags.Laps == 0 {
			return errors.New("--laps must be positive")
		}
		env.Laps = flags.Laps
	}
	if set("database") {
		env.DatabaseURL = flags.DatabaseURL
	}
	if set("redis") {
		env.RedisAddr = flags.RedisAddr
	}
	if set("advertise") {
		env.AdvertiseAddress = flags.AdvertiseAddress
	}
	*flags = *env
	return nil
}

func run(ctx context.Context, cfg config.Server, opts options) (err error) {
	logger, err := config.NewLogger(cfg.LogLevel, opts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	var profiler metrics.Profiler = metrics.NoopProfiler{}
	if opts.profile {
		profiler = metrics.NewProfiler(m)
	}

	var db database = store.NewMemory()
	if cfg.DatabaseURL != "" {
		pg, err := store.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, pg.Close()) }()
		db = pg
	}

	ids := identity.Mux{identity.ServiceDeveloper: identity.Developer{}}
	if cfg.IdentityURL != "" {
		ids[identity.ServiceWeb] = identity.Web{URL: cfg.IdentityURL, Client: &http.Client{Timeout: 5 * time.Second}, Logger: logger}
	}

	tr, err := transport.Listen(ctx, cfg.ListenAddr(), logger)
	if err != nil {
		return err
	}

	spectators := lobby.NewLobby(ctx, logger)
	track := protocol.Track{
		Racetrack:  cfg.Racetrack,
		LoadingTag: 1,
		Metadata:   protocol.TrackMetadata{Name: cfg.Racetrack, DisplayName: cfg.Racetrack, Laps: cfg.Laps},
	}
	srv := hub.NewServer(ctx, tr, protocol.ServerConfig{
		Name:           cfg.Name,
		Track:          track,
		Capacity:       race.MaxDrivers,
		ModeratorSeats: cfg.ModeratorSeats,
		Moderators:     cfg.Moderators,
		UpdateRate:     cfg.UpdateRate,
	}, protocol.ServerDeps{
		Identity:   ids,
		Physics:    race.NewKinematicWorld(),
		Timing:     race.NewLapBoard(cfg.Laps),
		Bans:       db,
		Laps:       db,
		Metrics:    m,
		Profiler:   profiler,
		Spectators: spectators,
		Logger:     logger,
	})

	admin := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Session:   srv,
			Moderator: srv,
			Laps:      db,
			Racetrack: cfg.Racetrack,
			Lobby:     spectators,
			Gatherer:  reg,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin http listening", zap.String("addr", cfg.HTTPAddr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return supervise(ctx, gctx, srv)
	})
	if cfg.RedisAddr != "" {
		g.Go(func() error {
			return announce(gctx, cfg, srv, logger)
		})
	}

	logger.Info("server started",
		zap.String("name", cfg.Name),
		zap.String("game", tr.Addr().String()),
		zap.String("racetrack", cfg.Racetrack),
		zap.Uint8("laps", cfg.Laps))
	return g.Wait()
}

type session interface {
	Done() <-chan struct{}
	Close() error
}

// supervise closes the session when the group winds down. A session that
// stops while ctx is still live fails the group so the admin server goes too.
func supervise(ctx, gctx context.Context, s session) error {
	select {
	case <-gctx.Done():
		return s.Close()
	case <-s.Done():
	}
	err := s.Close()
	if ctx.Err() == nil {
		return multierr.Append(errSessionEnded, err)
	}
	return err
}

// announce keeps this server in the master-server list until ctx ends.
func announce(ctx context.Context, cfg config.Server, srv *hub.Server, logger *zap.Logger) error {
	r, err := registry.Connect(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	addr, ok := cfg.AdvertiseAddr()
	if !ok {
		logger.Warn("game address is a wildcard; announcing loopback, set ADVERTISE_ADDRESS",
			zap.String("listen", cfg.ListenAddr()), zap.String("announced", addr))
	}
	started := time.Now()
	last := registry.Entry{
		Name:      cfg.Name,
		Address:   addr,
		Racetrack: cfg.Racetrack,
		Capacity:  race.MaxDrivers,
		StartedAt: started,
	}
	return r.Run(ctx, func(ctx context.Context) registry.Entry {
		viewCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if view, err := srv.View(viewCtx); err == nil {
			last.Phase = view.Phase
			last.Drivers = len(view.Drivers)
		}
		return last
	})
}
