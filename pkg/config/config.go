// Package config loads node configuration from config.yaml and ROUNDS_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/luxfi/rounds/pkg/archive"
	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/roster"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	EnvPrefix = "ROUNDS"
)

const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportTCP    = "tcp"

	RosterFile   = "file"
	RosterConsul = "consul"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Environment string `mapstructure:"environment"`
	NodeName    string `mapstructure:"node_name"`
	// KeyPath is the age-encrypted node key written by roundsd keygen.
	KeyPath string `mapstructure:"key_path"`

	Scheme string `mapstructure:"scheme"`
	Hash   string `mapstructure:"hash"`
	Format string `mapstructure:"format"`

	Policy       string        `mapstructure:"policy"`
	RoundTimeout time.Duration `mapstructure:"round_timeout"`

	Transport TransportConfig  `mapstructure:"transport"`
	Roster    RosterConfig     `mapstructure:"roster"`
	Store     StoreConfig      `mapstructure:"store"`
	Archive   archive.S3Config `mapstructure:"archive"`
}

type TransportConfig struct {
	Kind    string `mapstructure:"kind"`
	NATSURL string `mapstructure:"nats_url"`
	// Prefix namespaces NATS subjects.
	Prefix string `mapstructure:"prefix"`
	Listen string `mapstructure:"listen"`
	// Peers are "id@host:port" entries used by the tcp transport when the
	// roster has no addresses.
	Peers []string `mapstructure:"peers"`
}

type RosterConfig struct {
	Source     string `mapstructure:"source"`
	Path       string `mapstructure:"path"`
	ConsulAddr string `mapstructure:"consul_addr"`
	Prefix     string `mapstructure:"prefix"`
}

type StoreConfig struct {
	Path         string        `mapstructure:"path"`
	BackupDir    string        `mapstructure:"backup_dir"`
	BackupPeriod time.Duration `mapstructure:"backup_period"`
	Password     string        `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("node_name", "node0")
	v.SetDefault("key_path", "keys/node.age")
	v.SetDefault("scheme", "ed25519")
	v.SetDefault("hash", "sha256")
	v.SetDefault("format", "cbor")
	v.SetDefault("policy", session.TolerateMisbehavior.String())
	v.SetDefault("round_timeout", "30s")

	v.SetDefault("transport.kind", TransportMemory)
	v.SetDefault("transport.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("transport.prefix", "rounds")
	v.SetDefault("transport.listen", ":9700")
	v.SetDefault("transport.peers", []string{})

	v.SetDefault("roster.source", RosterFile)
	v.SetDefault("roster.path", "roster.json")
	v.SetDefault("roster.consul_addr", "")
	v.SetDefault("roster.prefix", roster.DefaultPrefix)

	v.SetDefault("store.path", "db")
	v.SetDefault("store.backup_dir", "backups")
	v.SetDefault("store.backup_period", "5m")
	v.SetDefault("store.password", "")

	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", archive.DefaultBucket)
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.prefix", "")
}

// Configure points v at the config file and the environment. An empty
// path searches for config.yaml in the working directory. A missing file
// is not an error: defaults and environment still apply.
func Configure(v *viper.Viper, path string) error {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// InitViperConfig configures the global viper instance.
func InitViperConfig(path string) error {
	return Configure(viper.GetViper(), path)
}

// Load decodes the global viper settings.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("%w: environment %q", ErrInvalidConfig, c.Environment)
	}
	switch c.Transport.Kind {
	case TransportMemory, TransportNATS, TransportTCP:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidConfig, c.Transport.Kind)
	}
	switch c.Roster.Source {
	case RosterFile, RosterConsul:
	default:
		return fmt.Errorf("%w: roster source %q", ErrInvalidConfig, c.Roster.Source)
	}
	if c.RoundTimeout < 0 {
		return fmt.Errorf("%w: negative round timeout", ErrInvalidConfig)
	}
	if _, err := c.FailurePolicy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.VerifierParameters(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) FailurePolicy() (session.FailurePolicy, error) {
	return session.ParseFailurePolicy(c.Policy)
}

// VerifierParameters resolves scheme, hash and format. The signer is left
// empty.
func (c *Config) VerifierParameters() (signing.Parameters, error) {
	scheme, err := signing.SchemeByName(c.Scheme)
	if err != nil {
		return signing.Parameters{}, err
	}
	hasher, err := signing.HasherByName(c.Hash)
	if err != nil {
		return signing.Parameters{}, err
	}
	format, err := encoding.FormatByName(c.Format)
	if err != nil {
		return signing.Parameters{}, err
	}
	return signing.Parameters{Verifier: scheme, Hasher: hasher, Format: format}, nil
}

// PeerAddresses parses Transport.Peers.
func (c *Config) PeerAddresses() (map[string]string, error) {
	out := make(map[string]string, len(c.Transport.Peers))
	for _, p := range c.Transport.Peers {
		id, addr, ok := strings.Cut(p, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: peer %q, want id@host:port", ErrInvalidConfig, p)
		}
		out[id] = addr
	}
	return out, nil
}
