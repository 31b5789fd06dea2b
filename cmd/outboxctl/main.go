// Command outboxctl runs the manual outbox commands against Postgres.
//
//	outboxctl status [--platform=snap]
//	outboxctl replay-failed [--platform=...]
//	outboxctl replay-dead-letter [--platform=...]
//	outboxctl purge-delivered [--days=30]
//	outboxctl dead-letters [--platform=...] [--limit=50]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const usage = `usage: outboxctl <command> [flags]

commands:
  status              row counts per status and platform
  replay-failed       reset the retry budget of failing pending rows
  replay-dead-letter  move dead letters back to pending
  purge-delivered     delete delivered rows older than --days
  dead-letters        list dead letters, newest first
`

var commands = map[string]bool{
	"status":             true,
	"replay-failed":      true,
	"replay-dead-letter": true,
	"purge-delivered":    true,
	"dead-letters":       true,
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "outboxctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cmd := args[0]
	if !commands[cmd] {
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}

	_ = godotenv.Load()

	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	dbURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	rawPlatform := flags.String("platform", "", "restrict to one platform (meta, snap, tiktok)")
	days := flags.Int("days", 30, "purge-delivered: retention in days")
	limit := flags.Int("limit", 50, "dead-letters: maximum rows")
	logLevel := flags.String("log-level", "warn", "log level")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	var p domain.Platform
	if *rawPlatform != "" {
		var err error
		if p, err = domain.ParsePlatform(*rawPlatform); err != nil {
			return err
		}
	}
	if *dbURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	logger, err := logging.New(*logLevel, "prod")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Operator commands never read credentials, so no cipher is needed.
	pg, err := store.NewPostgres(ctx, *dbURL, nil, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	op := worker.NewOperator(pg, logger)
	result, err := dispatch(ctx, op, cmd, p, *days, *limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func dispatch(ctx context.Context, op *worker.Operator, cmd string, p domain.Platform, days, limit int) (any, error) {
	switch cmd {
	case "status":
		return op.Status(ctx, p)
	case "replay-failed":
		n, err := op.ReplayFailed(ctx, p)
		return map[string]int64{"replayed": n}, err
	case "replay-dead-letter":
		n, err := op.ReplayDeadLetter(ctx, p)
		return map[string]int64{"replayed": n}, err
	case "purge-delivered":
		n, err := op.PurgeDelivered(ctx, days)
		return map[string]int64{"purged": n}, err
	case "dead-letters":
		return op.DeadLetters(ctx, p, limit)
	default:
		return nil, fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

