// Command shieldctl deposits into and withdraws from the shielded pool, and keeps the local
// commitment set in sync with the pool's Merkle tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/zkdefi/shield-client/internal/config"
)

// usageError marks bad invocations; they exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

type command struct {
	summary string
	run     func(ctx context.Context, env *runEnv, args []string) error
}

var commands = map[string]command{
	"deposit":  {summary: "generate a commitment and deposit into the pool", run: runDeposit},
	"withdraw": {summary: "withdraw a stored commitment", run: runWithdraw},
	"sync":     {summary: "locate unsynced commitments in the Merkle tree", run: runSync},
	"list":     {summary: "list stored commitments", run: runList},
	"root":     {summary: "print the current Merkle root", run: runRoot},
	"watch":    {summary: "poll the Merkle root and serve metrics", run: runWatch},
	"disclose": {summary: "prove a property of a commitment without revealing it", run: runDisclose},
	"export":   {summary: "write stored commitments to a JSON file", run: runExport},
}

// runEnv carries what every subcommand needs.
type runEnv struct {
	stdout io.Writer
	stderr io.Writer
	// open wires the client. Tests replace it to inject servers.
	open func(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &runEnv{stdout: os.Stdout, stderr: os.Stderr, open: newApp}
	if err := runMain(ctx, env, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) || errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runMain(ctx context.Context, env *runEnv, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(env.stdout)
		if len(args) == 0 {
			return usagef("missing command")
		}
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return usagef("unknown command %q", args[0])
	}
	if err := cmd.run(ctx, env, args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		return err
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: shieldctl <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
}

// commonFlags are accepted by every subcommand and override the config file.
type commonFlags struct {
	configPath string
	user       string
	apiURL     string
	walletURL  string
	pool       string
	token      string
	store      string
	storeDir   string
	logLevel   string
}

func newFlagSet(name string, env *runEnv) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", os.Getenv("SHIELD_CONFIG"), "YAML config file")
	fs.StringVar(&c.user, "user", "", "wallet address (overrides config)")
	fs.StringVar(&c.apiURL, "api-url", "", "proof/tree service base URL (overrides config)")
	fs.StringVar(&c.walletURL, "wallet-url", "", "wallet bridge URL (overrides config)")
	fs.StringVar(&c.pool, "pool", "", "pool contract address (overrides config)")
	fs.StringVar(&c.token, "token", "", "token contract address (overrides config)")
	fs.StringVar(&c.store, "store-driver", "", "commitment store: memory|file|s3|postgres (overrides config)")
	fs.StringVar(&c.storeDir, "store-dir", "", "directory for the file store (overrides config)")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	return fs, c
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError{err: err}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func (c *commonFlags) load(logOut io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	override := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&cfg.User, c.user)
	override(&cfg.API.BaseURL, c.apiURL)
	override(&cfg.Wallet.BaseURL, c.walletURL)
	override(&cfg.Pool.Address, c.pool)
	override(&cfg.Pool.TokenAddress, c.token)
	override(&cfg.Store.Driver, c.store)
	override(&cfg.Store.Dir, c.storeDir)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return config.Config{}, nil, usagef("--log-level: %v", err)
	}
	return cfg, slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})), nil
}

// openApp parses the common flags and wires the client.
func openApp(ctx context.Context, env *runEnv, c *commonFlags) (*app, error) {
	cfg, log, err := c.load(env.stderr)
	if err != nil {
		return nil, err
	}
	return env.open(ctx, cfg, log)
}
