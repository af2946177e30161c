package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zkdefi/shield-client/internal/blobstore"
	"github.com/zkdefi/shield-client/internal/commitment"
)

const sample = `
user: "0x0456"
api:
  base_url: https://prover.example/api/v1/zkdefi/full_privacy
  token_ref: shield/tokens#api
wallet:
  base_url: http://127.0.0.1:9000
  poll_interval: 1s
pool:
  address: "0x123"
  token_address: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"
  felt_deposit: false
  partial_withdrawals: true
store:
  driver: s3
  s3_bucket: shield-commitments
  s3_prefix: prod
events:
  driver: kafka
  brokers: [k1:9092, k2:9092]
secrets:
  source: aws
timeouts:
  proof: 90s
`

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shield.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Pool.FeltDeposit || !cfg.Pool.FeltWithdraw || !cfg.Pool.PartialWithdrawals {
		t.Fatalf("pool toggles: %+v", cfg.Pool)
	}
	if cfg.Timeouts.Proof != 90*time.Second || cfg.Timeouts.Sign != 10*time.Minute {
		t.Fatalf("timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Wallet.PollInterval != time.Second || cfg.Pool.SchemaMarker != commitment.DefaultSchemaMarker {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if got := cfg.BlobConfig(); got.Driver != blobstore.DriverS3 || got.Bucket != "shield-commitments" || got.Prefix != "prod" {
		t.Fatalf("blob config: %+v", got)
	}
	if got := cfg.EventsConfig(); got.Driver != "kafka" || len(got.Brokers) != 2 {
		t.Fatalf("events config: %+v", got)
	}
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Decode(strings.NewReader("pool:\n  adress: 0x1\n"), &cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != StoreFile || cfg.RootPollInterval != 30*time.Second {
		t.Fatalf("defaults: %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		c := Default()
		c.User = "0x456"
		c.Pool.Address = "0x123"
		c.Pool.TokenAddress = "0x777"
		return c
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing user", mutate: func(c *Config) { c.User = "" }},
		{name: "bad api url", mutate: func(c *Config) { c.API.BaseURL = "localhost:8000" }},
		{name: "bad wallet url", mutate: func(c *Config) { c.Wallet.BaseURL = "ftp://wallet" }},
		{name: "missing pool", mutate: func(c *Config) { c.Pool.Address = "" }},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "redis" }},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Store.Driver = StoreS3 }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = StorePostgres }},
		{name: "file without dir", mutate: func(c *Config) { c.Store.Dir = " " }},
		{name: "unknown secrets", mutate: func(c *Config) { c.Secrets.Source = "vault" }},
		{name: "negative timeout", mutate: func(c *Config) { c.Timeouts.Receipt = -time.Second }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tc.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
