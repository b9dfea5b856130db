// Command relayhub runs the relay server.
//
// Configuration comes from flags with environment fallbacks; a .env file in
// the working directory is loaded first when present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}
	setupLogger()

	cmd := &cli.Command{
		Name:  "relayhub",
		Usage: "room-based real-time relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Usage:   "listen address",
				Sources: cli.EnvVars("RELAYHUB_ADDR"),
			},
			&cli.StringFlag{
				Name:    "mode",
				Value:   relayhub.ModeRelay,
				Usage:   "operating mode: relay or authoritative",
				Sources: cli.EnvVars("RELAYHUB_MODE"),
			},
			&cli.IntFlag{
				Name:    "capacity",
				Value:   8,
				Usage:   "maximum members per room",
				Sources: cli.EnvVars("RELAYHUB_CAPACITY"),
			},
			&cli.IntFlag{
				Name:    "snapshot-hz",
				Value:   10,
				Usage:   "snapshot broadcast rate in authoritative mode",
				Sources: cli.EnvVars("RELAYHUB_SNAPSHOT_HZ"),
			},
			&cli.IntFlag{
				Name:    "message-rate",
				Value:   30,
				Usage:   "per-client message ceiling per second",
				Sources: cli.EnvVars("RELAYHUB_MESSAGE_RATE"),
			},
			&cli.IntFlag{
				Name:    "connection-rate",
				Value:   50,
				Usage:   "connection attempts admitted per second, 0 disables the guard",
				Sources: cli.EnvVars("RELAYHUB_CONNECTION_RATE"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin",
				Usage:   "origin allowlist entry, repeatable; empty allows all origins",
				Sources: cli.EnvVars("RELAYHUB_ALLOWED_ORIGINS"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	mode := cmd.String("mode")
	if mode != relayhub.ModeRelay && mode != relayhub.ModeAuthoritative {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if cmd.Int("capacity") <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if mode == relayhub.ModeAuthoritative && cmd.Int("snapshot-hz") <= 0 {
		return fmt.Errorf("snapshot-hz must be positive in authoritative mode")
	}
	if cmd.Int("message-rate") <= 0 {
		return fmt.Errorf("message-rate must be positive")
	}

	cfg := ws.DefaultConfig(cmd.String("addr"))
	cfg.Mode = mode
	cfg.RoomCapacity = int(cmd.Int("capacity"))
	cfg.SnapshotHz = int(cmd.Int("snapshot-hz"))
	cfg.MessagesPerSecond = int(cmd.Int("message-rate"))
	cfg.ConnectionsPerSecond = rate.Limit(cmd.Int("connection-rate"))
	cfg.AllowedOrigins = cmd.StringSlice("allowed-origin")

	server := ws.New(cfg)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(runCtx); err != nil {
		return err
	}

	<-runCtx.Done()
	slog.Info("server shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(stopCtx)
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
