package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/config"
	"github.com/DoyleJ11/racenet/internal/hub"
	"github.com/DoyleJ11/racenet/internal/identity"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/protocol"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/registry"
	"github.com/DoyleJ11/racenet/internal/transport"
)

var version = "dev"

type options struct {
	envFile   string
	debug     bool
	addr      string
	server    string
	key       string
	service   string
	mesh      uint8
	drive     bool
	statusInt time.Duration
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "racenet-client",
		Short:         "Headless racing client",
		Long:          "Connects to a server, mirrors the session and optionally takes a racecar.\nThe server is found through the master server, server_info.json, GAME_ADDRESS/GAME_PORT or the default, in that order.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.BoolVar(&opts.debug, "debug", false, "human readable debug logging")
	f.StringVar(&opts.addr, "addr", "", "server host:port, skipping address resolution")
	f.StringVar(&opts.server, "server", "", "server name to look up in the master server (SERVER_NAME)")
	f.StringVar(&opts.key, "key", "", "user access key (ACCESS_KEY)")
	f.StringVar(&opts.service, "service", "developer", "identity service: developer or web")
	f.Uint8Var(&opts.mesh, "car", 0, "car mesh id to request")
	f.BoolVar(&opts.drive, "drive", false, "enter a racecar once ready")
	f.DurationVar(&opts.statusInt, "status", 2*time.Second, "status log interval")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// trackLog stands in for asset loading in the headless client.
type trackLog struct{ log *zap.Logger }

func (t trackLog) LoadTrack(track protocol.Track) error {
	if track.Racetrack == "" {
		return protocol.ErrNoTrack
	}
	t.log.Info("racetrack loaded",
		zap.String("racetrack", track.Racetrack),
		zap.String("display_name", track.Metadata.DisplayName),
		zap.Uint8("laps", track.Metadata.Laps))
	return nil
}

func parseService(s string) (identity.Service, error) {
	switch s {
	case "developer":
		return identity.ServiceDeveloper, nil
	case "web":
		return identity.ServiceWeb, nil
	default:
		return 0, fmt.Errorf("unknown identity service %q", s)
	}
}

func run(ctx context.Context, opts options) error {
	if err := config.LoadEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if opts.server != "" {
		cfg.ServerName = opts.server
	}
	if opts.key != "" {
		cfg.AccessKey = opts.key
	}
	if cfg.AccessKey == "" {
		return errors.New("an access key is required (--key or ACCESS_KEY)")
	}
	service, err := parseService(opts.service)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.LogLevel, opts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	addr := opts.addr
	if addr == "" {
		var lookup config.Lookup
		if cfg.RedisAddr != "" {
			r, err := registry.Connect(ctx, cfg.RedisAddr, logger)
			if err != nil {
				logger.Warn("master server unavailable", zap.Error(err))
			} else {
				defer r.Close()
				lookup = r
			}
		}
		var source config.Source
		addr, source = config.ResolveServerAddress(ctx, cfg, lookup, logger)
		logger.Info("server resolved", zap.String("addr", addr), zap.String("source", string(source)))
	}

	tr, err := transport.Dial(ctx, addr, logger, transport.DefaultDialOptions)
	if err != nil {
		return err
	}

	cli := hub.NewClient(ctx, tr, protocol.ClientConfig{
		Service:   service,
		AccessKey: cfg.AccessKey,
		MeshID:    opts.mesh,
	}, protocol.ClientDeps{
		Loader:  trackLog{log: logger},
		Physics: race.NewKinematicWorld(),
		Logger:  logger,
	})

	ticker := time.NewTicker(opts.statusInt)
	defer ticker.Stop()
	entered := false
	for {
		select {
		case <-cli.Done():
			final, _ := cli.Wait(ctx)
			report(logger, final)
			if final.HasReason && final.Reason != packet.Graceful {
				return fmt.Errorf("disconnected: %s", packet.Describe(final.Reason))
			}
			return nil

		case <-ticker.C:
			v, err := cli.View(ctx)
			if err != nil {
				continue
			}
			logger.Info("status",
				zap.Stringer("state", v.State),
				zap.String("phase", string(v.Phase)),
				zap.Uint32("timer_ms", v.PhaseTimerMS),
				zap.Uint32("ping_ms", v.PingMS),
				zap.Int("drivers", v.Drivers))
			if opts.drive && !entered && v.State == protocol.ClientReadyToPlay {
				entered = cli.Send(ctx, hub.EnterRacecar{}) == nil
			}
		}
	}
}

func report(logger *zap.Logger, v hub.ClientView) {
	for _, r := range v.Results {
		logger.Info("lap",
			zap.String("driver", r.Name),
			zap.Uint8("lap", r.Lap),
			zap.Duration("time", time.Duration(r.LapTimeMS)*time.Millisecond))
	}
	if v.HasReason {
		logger.Info("disconnected", zap.Stringer("reason", v.Reason), zap.String("why", packet.Describe(v.Reason)))
	}
}
