package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/mirror"
	"github.com/radawson/apt-mirror/pkg/signature"
	"github.com/urfave/cli/v2"
)

const defaultConfigPath = "/etc/apt/mirror.list"

// Exit codes, part of the CLI contract.
const (
	exitConfig    = 1
	exitLocked    = 2
	exitFetch     = 3
	exitSignature = 4
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:      "apt-mirror",
		Usage:     "mirror APT repositories onto local storage",
		ArgsUsage: "[config-path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log per-artifact activity",
			},
		},
		Action: run,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFetch)
		}
		cli.HandleExitCoder(err)
	}
}

func run(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	if c.NArg() > 1 {
		return cli.Exit("usage: apt-mirror [config-path]", exitConfig)
	}
	configPath := defaultConfigPath
	if c.NArg() == 1 {
		configPath = c.Args().First()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	if err := mirror.Run(c.Context, cfg); err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}
	return nil
}

// exitCode maps a run failure to the exit code contract; signature
// failures outrank fetch failures.
func exitCode(err error) int {
	var parseErr *config.ParseError
	var sigErr *signature.VerifyError
	switch {
	case errors.As(err, &parseErr):
		return exitConfig
	case errors.Is(err, mirror.ErrLocked):
		return exitLocked
	case errors.As(err, &sigErr):
		return exitSignature
	default:
		return exitFetch
	}
}
