package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/roster"
)

func rosterCommand() *cli.Command {
	return &cli.Command{
		Name:  "roster",
		Usage: "Manage the party roster",
		Commands: []*cli.Command{
			{
				Name:  "publish",
				Usage: "Publish a roster file to Consul KV",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Roster JSON file (default roster.path from config)"},
					&cli.StringFlag{Name: "prefix", Usage: "Consul KV prefix (default roster.prefix from config)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					path := c.String("file")
					if path == "" {
						path = cfg.Roster.Path
					}
					prefix := c.String("prefix")
					if prefix == "" {
						prefix = cfg.Roster.Prefix
					}

					r, err := roster.LoadFile(path)
					if err != nil {
						return err
					}
					client, err := roster.NewConsulClient(cfg.Roster.ConsulAddr)
					if err != nil {
						return err
					}
					if err := r.Publish(client.KV(), prefix); err != nil {
						return err
					}
					fmt.Printf("Published %d peers under %s\n", len(r.Peers), prefix)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the configured roster",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					r, err := loadRoster(cfg)
					if err != nil {
						return err
					}
					for _, p := range r.Peers {
						fmt.Printf("%-12s %s %s\n", p.Name, p.ID, p.Addr)
					}
					return nil
				},
			},
		},
	}
}
