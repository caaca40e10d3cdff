package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/kvstore"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
)

func verifyEvidenceCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-evidence",
		Usage: "Check a piece of misbehavior evidence offline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Encoded evidence file",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Evidence key in the local store, as printed by report show",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Encoding of the evidence: cbor or json (default format from config)",
			},
			&cli.StringFlag{
				Name:  "associated-data",
				Usage: "Hex associated data the session was run with",
			},
			&cli.BoolFlag{
				Name:  "twice",
				Usage: "The evidence comes from a run --twice session",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			data, err := readEvidence(cfg, c.String("file"), c.String("key"))
			if err != nil {
				return err
			}
			params, err := cfg.VerifierParameters()
			if err != nil {
				return err
			}
			if name := c.String("format"); name != "" {
				if params.Format, err = encoding.FormatByName(name); err != nil {
					return err
				}
			}
			ad, err := hex.DecodeString(c.String("associated-data"))
			if err != nil {
				return fmt.Errorf("bad associated data: %w", err)
			}

			ev, err := verifyEvidence(evidenceProtocol(c.Bool("twice")), params, data, ad)
			if err != nil {
				return err
			}
			fmt.Printf("VALID: %s\n", ev)
			return nil
		},
	}
}

func readEvidence(cfg *config.Config, file, key string) ([]byte, error) {
	switch {
	case file != "" && key != "":
		return nil, errors.New("use either --file or --key")
	case file != "":
		return os.ReadFile(file)
	case key != "":
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.LoadEvidence(key)
	}
	return nil, errors.New("--file or --key is required")
}

func evidenceProtocol(twice bool) protocol.Protocol {
	if twice {
		return commitreveal.TwiceProtocol
	}
	return commitreveal.Protocol{}
}

func verifyEvidence(proto protocol.Protocol, params signing.Parameters, data, associatedData []byte) (*session.Evidence, error) {
	ev, err := session.DecodeEvidence(params.VerifierParameters(), data)
	if err != nil {
		return nil, err
	}
	if err := ev.Verify(proto, params.VerifierParameters(), associatedData); err != nil {
		return ev, err
	}
	return ev, nil
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Inspect stored session reports",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored reports",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					store, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer store.Close()

					reports, err := store.ListReports()
					if err != nil {
						return err
					}
					for _, r := range reports {
						fmt.Printf("%s  %s  %-8s succeeded=%t evidence=%d  %s\n",
							abbrev(r.Record.SessionID.String(), 16), abbrev(r.Party, 8), r.Record.Outcome,
							r.Record.Succeeded, len(r.Record.Evidence), r.CreatedAt.Format("2006-01-02 15:04:05"))
					}
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print one report as JSON and export its evidence",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "Session id (hex)", Required: true},
					&cli.StringFlag{Name: "party", Usage: "Party id", Required: true},
					&cli.StringFlag{Name: "export", Usage: "Directory to write evidence files to"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					sid, err := hex.DecodeString(c.String("session"))
					if err != nil {
						return fmt.Errorf("bad session id: %w", err)
					}
					store, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer store.Close()
					return showReport(store, session.SessionID(sid), c.String("party"), c.String("export"))
				},
			},
		},
	}
}

func showReport(store *kvstore.Store, sid session.SessionID, party, exportDir string) error {
	r, err := store.LoadReport(sid, party)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	keys, err := store.EvidenceKeys(sid)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Printf("evidence key: %s\n", key)
		if exportDir == "" {
			continue
		}
		data, err := store.LoadEvidence(key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(exportDir, 0700); err != nil {
			return err
		}
		name := filepath.Base(key) + "." + r.Format
		if err := os.WriteFile(filepath.Join(exportDir, name), data, 0600); err != nil {
			return err
		}
	}
	return nil
}
