// Package config loads the client's YAML configuration. Command-line flags override
// individual fields after loading.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zkdefi/shield-client/internal/blobstore"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/secrets"
)

var ErrInvalidConfig = errors.New("config: invalid config")

const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreS3       = "s3"
	StorePostgres = "postgres"
)

type Config struct {
	// User is the wallet address whose commitments are managed.
	User string `yaml:"user"`

	API      APIConfig      `yaml:"api"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Pool     PoolConfig     `yaml:"pool"`
	Store    StoreConfig    `yaml:"store"`
	Events   EventsConfig   `yaml:"events"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	RootPollInterval time.Duration `yaml:"root_poll_interval"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

type APIConfig struct {
	// BaseURL includes the service prefix, e.g. https://host/api/v1/zkdefi/full_privacy.
	BaseURL  string `yaml:"base_url"`
	TokenRef string `yaml:"token_ref"`
}

type WalletConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenRef     string        `yaml:"token_ref"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PoolConfig struct {
	Address      string `yaml:"address"`
	TokenAddress string `yaml:"token_address"`
	FeltDeposit  bool   `yaml:"felt_deposit"`
	FeltWithdraw bool   `yaml:"felt_withdraw"`
	// PartialWithdrawals allows spending part of a commitment and keeping the rest under the
	// same hash. Leave off unless the pool's circuit supports it.
	PartialWithdrawals bool   `yaml:"partial_withdrawals"`
	SchemaMarker       string `yaml:"schema_marker"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`

	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`

	PostgresDSN string `yaml:"postgres_dsn"`
}

type EventsConfig struct {
	Driver        string   `yaml:"driver"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type SecretsConfig struct {
	Source string `yaml:"source"`
}

type TimeoutsConfig struct {
	Commitment time.Duration `yaml:"commitment"`
	Proof      time.Duration `yaml:"proof"`
	Tree       time.Duration `yaml:"tree"`
	Sign       time.Duration `yaml:"sign"`
	Receipt    time.Duration `yaml:"receipt"`
	ClaimTTL   time.Duration `yaml:"claim_ttl"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API:    APIConfig{BaseURL: "http://localhost:8000/api/v1/zkdefi/full_privacy"},
		Wallet: WalletConfig{BaseURL: "http://localhost:8545", PollInterval: 3 * time.Second},
		Pool: PoolConfig{
			FeltDeposit:  true,
			FeltWithdraw: true,
			SchemaMarker: commitment.DefaultSchemaMarker,
		},
		Store: StoreConfig{
			Driver: StoreFile,
			Dir:    filepath.Join(home, ".shield"),
		},
		Events:  EventsConfig{Driver: events.DriverNone},
		Secrets: SecretsConfig{Source: secrets.SourceEnv},
		Timeouts: TimeoutsConfig{
			Commitment: time.Minute,
			Proof:      5 * time.Minute,
			Tree:       30 * time.Second,
			Sign:       10 * time.Minute,
			Receipt:    2 * time.Minute,
			ClaimTTL:   15 * time.Minute,
		},
		RootPollInterval: 30 * time.Second,
	}
}

// Load reads path over Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML into cfg, keeping fields the document does not set. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Decode(r io.Reader, cfg *Config) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := commitment.NormalizeUser(c.User); err != nil {
		return fmt.Errorf("%w: user: %v", ErrInvalidConfig, err)
	}
	if err := checkURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if err := checkURL("wallet.base_url", c.Wallet.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Pool.Address) == "" || strings.TrimSpace(c.Pool.TokenAddress) == "" {
		return fmt.Errorf("%w: pool.address and pool.token_address are required", ErrInvalidConfig)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("%w: store.dir is required for the file driver", ErrInvalidConfig)
		}
	case StoreS3:
		if strings.TrimSpace(c.Store.S3Bucket) == "" {
			return fmt.Errorf("%w: store.s3_bucket is required for the s3 driver", ErrInvalidConfig)
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("%w: store.postgres_dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	switch c.Secrets.Source {
	case "", secrets.SourceNone, secrets.SourceEnv, secrets.SourceAWS:
	default:
		return fmt.Errorf("%w: unknown secrets.source %q", ErrInvalidConfig, c.Secrets.Source)
	}

	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"commitment": t.Commitment, "proof": t.Proof, "tree": t.Tree,
		"sign": t.Sign, "receipt": t.Receipt, "claim_ttl": t.ClaimTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%w: timeouts.%s must be >= 0", ErrInvalidConfig, name)
		}
	}
	if c.RootPollInterval < 0 || c.Wallet.PollInterval < 0 {
		return fmt.Errorf("%w: intervals must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// BlobConfig maps the file and s3 store drivers onto a blobstore configuration.
func (c Config) BlobConfig() blobstore.Config {
	switch c.Store.Driver {
	case StoreS3:
		return blobstore.Config{Driver: blobstore.DriverS3, Bucket: c.Store.S3Bucket, Prefix: c.Store.S3Prefix}
	case StoreFile:
		return blobstore.Config{Driver: blobstore.DriverFile, Dir: c.Store.Dir}
	default:
		return blobstore.Config{Driver: blobstore.DriverMemory}
	}
}

func (c Config) EventsConfig() events.Config {
	return events.Config{
		Driver:        c.Events.Driver,
		Brokers:       c.Events.Brokers,
		Topic:         c.Events.Topic,
		NATSURL:       c.Events.NATSURL,
		SubjectPrefix: c.Events.SubjectPrefix,
	}
}

func checkURL(name, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %s must be an http(s) URL, got %q", ErrInvalidConfig, name, raw)
	}
	return nil
}
