package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	gosky "github.com/basket/go-sky"
	"github.com/basket/go-sky/config"
	"github.com/basket/go-sky/ledger"
	"github.com/basket/go-sky/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s init                     Create the database tables
  %s prune [-days N]          Delete call-log rows older than N days (default 90),
                              keeping the newest cursor per scope
  %s budget                   Report write-budget usage per window
  %s whoami                   Show the authenticated account DID
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  GOSKY_HOME              Data directory (default: ~/.gosky)
  BSKY_AUTH_USERNAME      Account identifier
  BSKY_AUTH_PASSWORD      App password
  BSKY_SQLITE_FILENAME    SQLite database file (forces the sqlite backend)
  PGHOST/PGUSER/...       PostgreSQL connection (selects the postgres backend)
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "goskyctl: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel)

	ctx := context.Background()
	otelProvider, err := telemetry.Init(ctx, cfg.Otel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goskyctl: otel init: %v\n", err)
		os.Exit(1)
	}
	defer otelProvider.Shutdown(ctx)

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	args := os.Args[2:]

	var cmdErr error
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println("goskyctl", Version)
		return
	case "init":
		cmdErr = runInit(ctx, cfg)
	case "prune":
		cmdErr = runPrune(ctx, cfg, args)
	case "budget":
		cmdErr = runBudget(ctx, cfg)
	case "whoami":
		cmdErr = runWhoami(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "goskyctl: unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "goskyctl: %v\n", cmdErr)
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (*ledger.Store, error) {
	opts := ledger.Options{Driver: ledger.DriverSQLite, DSN: cfg.Database.Path}
	if cfg.Database.Driver == string(ledger.DriverPostgres) {
		opts = ledger.Options{Driver: ledger.DriverPostgres, DSN: cfg.Database.PostgresDSN()}
	}
	if opts.Driver == ledger.DriverSQLite && opts.DSN == "" {
		opts.DSN = ledger.DefaultDBPath()
	}
	return ledger.Open(opts)
}

// runInit provisions the schema. Opening the store migrates it, so this is
// just an open-and-report.
func runInit(ctx context.Context, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("database ready (%s)\n", store.Driver())
	return nil
}

func runPrune(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	days := fs.Int("days", 90, "delete call rows older than this many days")
	fs.Parse(args)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	n, err := store.PruneCalls(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d call rows older than %s\n", n, cutoff.Format("2006-01-02"))
	return nil
}

func runBudget(ctx context.Context, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := gosky.New(gosky.Options{
		Store:         store,
		Identifier:    cfg.Auth.Identifier,
		Password:      cfg.Auth.Password,
		BudgetWindows: cfg.BudgetWindows(),
	})
	if err != nil {
		return err
	}

	usage, err := client.Budget().Snapshot(ctx, client.Identity())
	if err != nil {
		return err
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	for _, u := range usage {
		pct := float64(0)
		if u.Window.Limit > 0 {
			pct = 100 * float64(u.Used) / float64(u.Window.Limit)
		}
		if tty {
			fmt.Printf("%-8s %6d / %6d points (%.1f%%)\n", u.Window.Name, u.Used, u.Window.Limit, pct)
		} else {
			fmt.Printf("%s\t%d\t%d\n", u.Window.Name, u.Used, u.Window.Limit)
		}
	}
	return nil
}

func runWhoami(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client, err := gosky.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	did, err := client.DID(ctx)
	if err != nil {
		return err
	}
	fmt.Println(did)
	return nil
}
