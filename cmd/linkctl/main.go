// linkctl drives the device linking API from a terminal. It can act as a
// primary (login, claim, confirm, manage devices) or as a secondary that
// links itself and then monitors for revocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"devicelink/internal/logx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	server string
	dir    string
	out    io.Writer
	logger *slog.Logger
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "log in as a primary with this machine's key", runLogin},
	{"link", "link this machine as a secondary device", runLink},
	{"claim", "claim a scanned code as the logged-in primary", runClaim},
	{"confirm", "approve a claimed code and name the device", runConfirm},
	{"reject", "refuse or cancel a pending code", runReject},
	{"devices", "list linked devices", runDevices},
	{"revoke", "unlink one device by token", runRevoke},
	{"revoke-all", "unlink every device", runRevokeAll},
	{"monitor", "heartbeat as a linked device until revoked", runMonitor},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{out: stdout}
	var verbose bool

	flagSet := pflag.NewFlagSet("linkctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&a.server, "server", envOr("DEVICELINK_SERVER", "http://localhost:3000"), "devicelink server URL")
	flagSet.StringVar(&a.dir, "dir", defaultDir(), "directory holding keys, tokens and the linked identity")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	a.logger = logx.New(logx.Config{Service: "linkctl", Level: level, Format: "text", Output: stderr})

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return errors.New("missing command")
	}
	for _, cmd := range commands {
		if cmd.name == rest[0] {
			return cmd.run(ctx, a, rest[1:])
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage:\n  linkctl [flags] <command> [command flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	fmt.Fprint(w, flagSet.FlagUsages())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devicelink"
	}
	return filepath.Join(home, ".devicelink")
}
