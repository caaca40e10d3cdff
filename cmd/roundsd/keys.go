package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/keystore"
	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/signing"
)

// passphraseEnv lets scripts supply the key passphrase without a terminal.
const passphraseEnv = "ROUNDS_KEY_PASSPHRASE"

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a node signing key, encrypted with a passphrase",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Key file to write (default key_path from config)",
			},
			&cli.StringFlag{
				Name:  "scheme",
				Usage: "Signature scheme: ed25519, schnorr or ecdsa (default scheme from config)",
			},
			&cli.IntFlag{
				Name:  "work-factor",
				Usage: "scrypt work factor (log2)",
				Value: keystore.DefaultWorkFactor,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			path := c.String("out")
			if path == "" {
				path = cfg.KeyPath
			}
			scheme := c.String("scheme")
			if scheme == "" {
				scheme = cfg.Scheme
			}

			key, err := keystore.Generate(scheme)
			if err != nil {
				return err
			}
			fmt.Println("WARNING: Please back up your key passphrase in a secure location.")
			pass, err := passphrase(true)
			if err != nil {
				return err
			}
			if err := keystore.Save(path, key, pass, int(c.Int("work-factor"))); err != nil {
				return err
			}

			logger.Info("Node key written", "path", path, "scheme", key.Scheme)
			fmt.Printf("Passphrase set: %s\n", keystore.MaskString(string(pass)))
			fmt.Printf("Party ID: %s\n", key.PartyID)
			return nil
		},
	}
}

func passphrase(confirm bool) ([]byte, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return []byte(p), nil
	}
	fd := int(os.Stdin.Fd())
	if !keystore.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot prompt for the key passphrase, set %s", passphraseEnv)
	}
	return keystore.PromptPassphrase(fd, os.Stdout, confirm)
}

// nodeParameters unlocks the node key and combines it with the configured
// hash and format.
func nodeParameters(cfg *config.Config) (signing.Parameters, error) {
	pass, err := passphrase(false)
	if err != nil {
		return signing.Parameters{}, err
	}
	key, err := keystore.Load(cfg.KeyPath, pass)
	if err != nil {
		return signing.Parameters{}, err
	}
	signer, scheme, err := key.Signer()
	if err != nil {
		return signing.Parameters{}, err
	}

	params, err := cfg.VerifierParameters()
	if err != nil {
		return signing.Parameters{}, err
	}
	configured, err := signing.SchemeByName(cfg.Scheme)
	if err != nil {
		return signing.Parameters{}, err
	}
	if configured.Name() != scheme.Name() {
		return signing.Parameters{}, fmt.Errorf("key file is %s but config expects %s", scheme.Name(), configured.Name())
	}
	params.Verifier = scheme
	params.Signer = signer
	return params, nil
}
