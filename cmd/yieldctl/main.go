// Command yieldctl reads yield strategy state and sends the program's
// instructions from the configured keypair.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

var errUsage = errors.New("usage")

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"strategies":         {"list strategies", runStrategies},
	"positions":          {"list positions of an owner (default: keypair)", runPositions},
	"orderbook":          {"show marketplace books", runOrderbook},
	"deposit":            {"deposit into a strategy", runDeposit},
	"withdraw":           {"withdraw from a strategy position", runWithdraw},
	"claim":              {"claim accrued yield tokens", runClaim},
	"redeem":             {"redeem yield tokens for underlying", runRedeem},
	"init-protocol":      {"create the protocol and strategy counter", runInitProtocol},
	"create-strategy":    {"create a strategy", runCreateStrategy},
	"create-marketplace": {"create the marketplace of a strategy", runCreateMarketplace},
	"place-order":        {"place a buy or sell order", runPlaceOrder},
	"cancel-order":       {"cancel one of your orders", runCancelOrder},
	"execute-trade":      {"cross a buy order with a sell order", runExecuteTrade},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		if err != errUsage {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(stderr)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return errUsage
	}

	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLogger, err := logging.New("yieldctl", cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			slog.Default().Error("failed to close logger", "err", closeErr)
		}
	}()

	return cmd.run(ctx, newApp(cfg, stdout, stderr, logger), args[1:])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: yieldctl <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w, "\nrun yieldctl <command> -h for its flags")
}

// describe adds the landed setup transaction and any rejection hint to err's message.
func describe(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	var flowErr *orchestrator.FlowError
	if errors.As(err, &flowErr) && flowErr.SetupSignature != (solana.Signature{}) {
		fmt.Fprintf(&b, "\n  setup transaction %s landed; re-running the command resumes after it", flowErr.SetupSignature)
	}
	var rejected *protocol.RejectedError
	if errors.As(err, &rejected) && rejected.Hint != "" {
		fmt.Fprintf(&b, "\n  hint: %s", rejected.Hint)
	}
	return b.String()
}
