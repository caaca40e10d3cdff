package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/roster"
	"github.com/luxfi/rounds/pkg/runner"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/transport"
)

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "Take part in a commit-reveal session with the parties of the roster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "seed",
				Usage:    "Run seed agreed by all parties; the session id is derived from it",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "threshold",
				Aliases: []string{"t"},
				Usage:   "Values needed in the output, 0 for all",
			},
			&cli.DurationFlag{
				Name:  "peer-wait",
				Usage: "How long to wait for tcp peers to connect",
				Value: 2 * time.Minute,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			return join(ctx, cfg, c.String("seed"), int(c.Int("threshold")), c.Duration("peer-wait"))
		},
	}
}

func join(ctx context.Context, cfg *config.Config, seed string, threshold int, peerWait time.Duration) error {
	params, err := nodeParameters(cfg)
	if err != nil {
		return err
	}
	r, err := loadRoster(cfg)
	if err != nil {
		return err
	}
	self := params.Signer.ID()
	if !r.IDSet(0).Contains(self) {
		return fmt.Errorf("party %s is not in the roster", self.Short())
	}
	policy, err := cfg.FailurePolicy()
	if err != nil {
		return err
	}

	sid := session.FromSeed(params.Hasher, commitreveal.Name, []byte(seed))
	logger.Info("Joining session", "session", abbrev(sid.String(), 16), "party", self.Short(), "parties", len(r.Peers))

	t, err := openTransport(ctx, cfg, r, self, sid, peerWait)
	if err != nil {
		return err
	}
	defer t.Close()

	if threshold <= 0 {
		threshold = len(r.Peers)
	}
	s, err := session.New(rand.Reader, sid, params, commitreveal.NewEntryPoint(r.IDs(), threshold),
		session.WithFailurePolicy(policy),
		session.WithLogger(logger.With("party", self.Short())),
	)
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx, s, t, params, runner.WithRoundTimeout(cfg.RoundTimeout))
	if report != nil {
		printReports(map[protocol.PartyID]partyReport{self: {params: params, report: report}})
	}
	if err != nil {
		return err
	}

	if cfg.Store.Password == "" {
		logger.Warn("No store password configured, report not saved")
		return nil
	}
	return saveReports(ctx, cfg, map[protocol.PartyID]partyReport{self: {params: params, report: report}})
}

func loadRoster(cfg *config.Config) (*roster.Roster, error) {
	if cfg.Roster.Source == config.RosterConsul {
		client, err := roster.NewConsulClient(cfg.Roster.ConsulAddr)
		if err != nil {
			return nil, err
		}
		return roster.LoadConsul(client.KV(), cfg.Roster.Prefix)
	}
	return roster.LoadFile(cfg.Roster.Path)
}

// openTransport connects this node. For tcp it also waits until every peer
// of the roster is connected.
func openTransport(ctx context.Context, cfg *config.Config, r *roster.Roster, self protocol.PartyID, sid session.SessionID, peerWait time.Duration) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		return transport.ConnectNATS(ctx, transport.NATSConfig{
			URL:     cfg.Transport.NATSURL,
			Prefix:  cfg.Transport.Prefix,
			Session: abbrev(sid.String(), 16),
			PartyID: self,
		})

	case config.TransportTCP:
		peers := r.Addresses(self)
		if len(peers) == 0 {
			configured, err := cfg.PeerAddresses()
			if err != nil {
				return nil, err
			}
			for id, addr := range configured {
				if protocol.PartyID(id) != self {
					peers[protocol.PartyID(id)] = addr
				}
			}
		}
		t, err := startTCP(ctx, self, cfg.Transport.Listen, peers)
		if err != nil {
			return nil, err
		}

		registry := transport.NewRegistry(self, r.IDs(), t)
		registry.Watch()
		defer registry.Close()

		waitCtx, cancel := context.WithTimeout(ctx, peerWait)
		defer cancel()
		if err := registry.WaitReady(waitCtx); err != nil {
			t.Close()
			return nil, fmt.Errorf("peers not ready: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("transport %q cannot join a distributed session", cfg.Transport.Kind)
}
