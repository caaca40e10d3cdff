package main

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/runner"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
	"github.com/luxfi/rounds/pkg/transport"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a local commit-reveal session between N parties, optionally with one misbehaving",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "parties",
				Aliases: []string{"n"},
				Usage:   "Number of parties",
				Value:   4,
			},
			&cli.IntFlag{
				Name:    "threshold",
				Aliases: []string{"t"},
				Usage:   "Values needed in the output, 0 for all",
			},
			&cli.StringFlag{
				Name:  "malicious",
				Usage: "Behavior of party 0: honest, wrong-reveal or equivocate",
				Value: "honest",
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "Failure policy: tolerate or strict (default policy from config)",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "memory, nats or tcp (default transport.kind from config)",
			},
			&cli.IntFlag{
				Name:  "base-port",
				Usage: "First loopback port for the tcp transport",
				Value: 9700,
			},
			&cli.BoolFlag{
				Name:  "twice",
				Usage: "Chain a second coin flip among the parties of the first; wrong-reveal then happens in the second",
			},
			&cli.BoolFlag{
				Name:  "shuffle",
				Usage: "Deliver memory transport messages in random order",
			},
			&cli.BoolFlag{
				Name:  "save",
				Usage: "Store reports in the local database",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			opts := demoOptions{
				parties:   int(c.Int("parties")),
				threshold: int(c.Int("threshold")),
				malicious: c.String("malicious"),
				policy:    lo.Ternary(c.String("policy") != "", c.String("policy"), cfg.Policy),
				transport: lo.Ternary(c.String("transport") != "", c.String("transport"), cfg.Transport.Kind),
				basePort:  int(c.Int("base-port")),
				shuffle:   c.Bool("shuffle"),
				twice:     c.Bool("twice"),
			}
			reports, err := runDemo(ctx, cfg, opts)
			printReports(reports)
			if err != nil {
				return err
			}
			if c.Bool("save") {
				return saveReports(ctx, cfg, reports)
			}
			return nil
		},
	}
}

type demoOptions struct {
	parties   int
	threshold int
	malicious string
	policy    string
	transport string
	basePort  int
	shuffle   bool
	twice     bool
}

func runDemo(ctx context.Context, cfg *config.Config, opts demoOptions) (map[protocol.PartyID]partyReport, error) {
	if opts.parties < 2 {
		return nil, fmt.Errorf("need at least 2 parties, got %d", opts.parties)
	}
	threshold := opts.threshold
	if threshold <= 0 {
		threshold = opts.parties
	}
	behavior, err := commitreveal.ParseBehavior(opts.malicious)
	if err != nil {
		return nil, err
	}
	policy, err := session.ParseFailurePolicy(opts.policy)
	if err != nil {
		return nil, err
	}
	base, err := cfg.VerifierParameters()
	if err != nil {
		return nil, err
	}
	scheme, err := signing.SchemeByName(cfg.Scheme)
	if err != nil {
		return nil, err
	}

	params := make([]signing.Parameters, opts.parties)
	for i := range params {
		signer, err := scheme.GenerateSigner()
		if err != nil {
			return nil, err
		}
		params[i] = base
		params[i].Signer = signer
	}
	ids := lo.Map(params, func(p signing.Parameters, _ int) protocol.PartyID { return p.Signer.ID() })

	parties := make([]runner.LocalParty, len(params))
	for i, p := range params {
		var entry protocol.EntryPoint = commitreveal.NewEntryPoint(ids, threshold)
		var partyOpts []runner.Option
		malicious := i == 0 && behavior != commitreveal.Honest
		if malicious {
			entry = commitreveal.NewMaliciousEntry(commitreveal.NewEntryPoint(ids, threshold), behavior)
			partyOpts = append(partyOpts, runner.WithTamper(commitreveal.Tamper(behavior, p)))
			logger.Warn("Party is malicious", "party", ids[i].Short(), "behavior", behavior.String())
		}
		if opts.twice {
			join := commitreveal.Rerun{Threshold: threshold}
			if malicious && behavior == commitreveal.WrongReveal {
				entry = commitreveal.NewEntryPoint(ids, threshold)
				join.Behavior = behavior
			}
			entry = commitreveal.Twice(entry, join)
		}
		parties[i] = runner.LocalParty{
			Params:  p,
			Entry:   entry,
			Options: partyOpts,
			SessionOptions: []session.Option{
				session.WithFailurePolicy(policy),
				session.WithLogger(logger.With("party", ids[i].Short())),
			},
		}
	}

	name := lo.Ternary(opts.twice, commitreveal.TwiceProtocol.Name(), commitreveal.Name)
	runID := uuid.New()
	sid := session.FromSeed(base.Hasher, name, runID[:])
	connect, err := localConnector(cfg, opts, ids, runID.String())
	if err != nil {
		return nil, err
	}
	logger.Info("Starting local run",
		"run", runID.String(),
		"parties", opts.parties,
		"threshold", threshold,
		"transport", opts.transport,
		"malicious", behavior.String(),
		"protocol", name,
	)

	reports, err := runner.RunLocal(ctx, runner.LocalConfig{
		SessionID: sid,
		Connect:   connect,
		Options:   []runner.Option{runner.WithRoundTimeout(cfg.RoundTimeout)},
	}, parties)

	out := make(map[protocol.PartyID]partyReport, len(reports))
	for i, id := range ids {
		if r, ok := reports[id]; ok {
			out[id] = partyReport{params: params[i], report: r, protocol: name}
		}
	}
	return out, err
}

func localConnector(cfg *config.Config, opts demoOptions, ids []protocol.PartyID, run string) (runner.Connector, error) {
	switch opts.transport {
	case config.TransportMemory:
		var hubOpts []transport.HubOption
		if opts.shuffle {
			hubOpts = append(hubOpts, transport.WithShuffle(uint64(time.Now().UnixNano())))
		}
		return runner.HubConnector(transport.NewHub(hubOpts...)), nil

	case config.TransportNATS:
		return func(ctx context.Context, id protocol.PartyID) (transport.Transport, error) {
			return transport.ConnectNATS(ctx, transport.NATSConfig{
				URL:     cfg.Transport.NATSURL,
				Prefix:  cfg.Transport.Prefix,
				Session: run,
				PartyID: id,
			})
		}, nil

	case config.TransportTCP:
		addrs := make(map[protocol.PartyID]string, len(ids))
		for i, id := range ids {
			addrs[id] = net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.basePort+i))
		}
		return func(ctx context.Context, id protocol.PartyID) (transport.Transport, error) {
			return startTCP(ctx, id, addrs[id], lo.OmitByKeys(addrs, []protocol.PartyID{id}))
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", opts.transport)
}

func startTCP(ctx context.Context, self protocol.PartyID, listen string, peers map[protocol.PartyID]string) (*transport.TCP, error) {
	tcpCfg := transport.DefaultTCPConfig()
	tcpCfg.PartyID = self
	tcpCfg.ListenAddr = listen
	tcpCfg.Peers = peers
	t, err := transport.NewTCP(tcpCfg)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func printReports(reports map[protocol.PartyID]partyReport) {
	ids := lo.Keys(reports)
	slices.Sort(ids)
	for _, id := range ids {
		r := reports[id].report
		fmt.Printf("%s  %s\n", id.Short(), r.Brief())
		if out, ok := r.Result.(commitreveal.Output); ok {
			fmt.Printf("    output %x from %d parties\n", out.Value, len(out.Parties))
		}
		for _, accused := range r.Accused() {
			fmt.Printf("    evidence: %s\n", r.ProvableErrors[accused])
		}
		for accused, rerr := range r.UnprovableErrors {
			fmt.Printf("    unprovable: %s %s\n", accused.Short(), rerr.Reason)
		}
		for round, missing := range r.MissingMessages {
			fmt.Printf("    missing in %s: %d parties\n", round, len(missing))
		}
	}
}
