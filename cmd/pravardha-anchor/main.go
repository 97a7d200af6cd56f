// Command pravardha-anchor computes window commitments, anchors them to the
// ledger and manages batch certification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"pravardha-anchor/internal/domain"
)

// 退出码
const (
	exitOK           = 0
	exitOther        = 1
	exitUsage        = 2
	exitPrecondition = 3
	exitNotFound     = 4
	exitLedger       = 5
	exitStorage      = 6
	exitPolicy       = 7
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, openApp)
	stop()
	os.Exit(code)
}

// cli 一次命令执行的上下文
type cli struct {
	stdout io.Writer
	stderr io.Writer
	open   func(ctx context.Context) (*app, error)
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{}

func register(cmd command) {
	commands[cmd.name] = cmd
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, open func(context.Context) (*app, error)) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return exitUsage
	}

	c := &cli{stdout: stdout, stderr: stderr, open: open}
	err := cmd.run(ctx, c, args[1:])
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
	return exitCode(err)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: pravardha-anchor <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	var (
		usageErr   *usageError
		policyErr  *domain.PolicyError
		storageErr *domain.StorageUpdateError
		ledgerErr  *domain.LedgerError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usageErr):
		return exitUsage
	case domain.IsPrecondition(err):
		return exitPrecondition
	case errors.As(err, &policyErr):
		return exitPolicy
	case errors.As(err, &storageErr):
		return exitStorage
	case errors.As(err, &ledgerErr):
		return exitLedger
	case domain.IsNotFound(err):
		return exitNotFound
	default:
		return exitOther
	}
}
