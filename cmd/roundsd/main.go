package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/logger"
)

const Version = "0.1.0"

func main() {
	app := &cli.Command{
		Name:    "roundsd",
		Usage:   "Node for round-based multi-party protocols with provable misbehavior reports",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default ./config.yaml)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
		},
		Commands: []*cli.Command{
			keygenCommand(),
			runCommand(),
			joinCommand(),
			verifyEvidenceCommand(),
			reportCommand(),
			rosterCommand(),
			{
				Name:  "version",
				Usage: "Display version information",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Printf("roundsd version %s\n", Version)
					return nil
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging. Every command calls it
// first.
func setup(c *cli.Command) (*config.Config, error) {
	if err := config.InitViperConfig(c.String("config")); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Environment, c.Bool("debug"))
	return cfg, nil
}

func abbrev(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
