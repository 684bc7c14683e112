// Command vecstore administers a vecstore directory: list and inspect
// collections, verify stored records, and back up or restore a store.
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
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/hupe1980/vecstore"
)

// errUsage is returned for bad command lines; main exits with status 2.
var errUsage = errors.New("usage")

var (
	gopsEnabled bool
	gopsOnce    sync.Once
	gopsListen  = func() error { return agent.Listen(agent.Options{ShutdownCleanup: true}) }
)

func main() {
	gopsEnabled = os.Getenv("VECSTORE_GOPS") != "0"
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "vecstore: %v\n", err)
		os.Exit(1)
	}
}

// startGops starts the diagnostics agent once the command's logger exists,
// so a failure is reported through it.
func startGops(logger *vecstore.Logger) {
	if !gopsEnabled {
		return
	}
	gopsOnce.Do(func() {
		if err := gopsListen(); err != nil {
			logger.Warn("gops agent not started", "error", err)
		}
	})
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: vecstore <command> [options]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  collections    List collections")
	fmt.Fprintln(w, "  inspect        Show storage statistics per collection")
	fmt.Fprintln(w, "  verify         Check every stored record against the catalog")
	fmt.Fprintln(w, "  backup         Copy a store to a backup target")
	fmt.Fprintln(w, "  restore        Recreate a store from a backup target")
	fmt.Fprintln(w, "  verify-backup  Check the digests of a backup")
	fmt.Fprintln(w, "  watch          Print changes to a store until interrupted")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		usage(stderr)
		return errUsage
	}
	cmd := &command{stdout: stdout, stderr: stderr}
	switch args[0] {
	case "collections":
		return cmd.collections(ctx, args[1:])
	case "inspect":
		return cmd.inspect(ctx, args[1:])
	case "verify":
		return cmd.verify(ctx, args[1:])
	case "backup":
		return cmd.backup(ctx, args[1:])
	case "restore":
		return cmd.restore(ctx, args[1:])
	case "verify-backup":
		return cmd.verifyBackup(ctx, args[1:])
	case "watch":
		return cmd.watch(ctx, args[1:])
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return errUsage
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	path        string
	logLevel    string
	logFormat   string
	lockTimeout time.Duration
	json        bool
}

func (c *command) newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	cf := &commonFlags{}
	fs.StringVar(&cf.path, "path", "", "store directory (required)")
	fs.StringVar(&cf.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	fs.StringVar(&cf.logFormat, "log-format", "text", "log format: text|json")
	fs.DurationVar(&cf.lockTimeout, "lock-timeout", vecstore.DefaultLockTimeout, "write lease timeout")
	fs.BoolVar(&cf.json, "json", false, "print JSON instead of text")
	return fs, cf
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return errUsage
	}
	return nil
}

func (cf *commonFlags) requirePath(fs *flag.FlagSet) error {
	if cf.path == "" {
		fmt.Fprintln(fs.Output(), "-path is required")
		fs.Usage()
		return errUsage
	}
	return nil
}

func (cf *commonFlags) logger(w io.Writer) (*vecstore.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cf.logLevel)); err != nil {
		return nil, fmt.Errorf("%w: -log-level: %v", errUsage, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cf.logFormat {
	case "text":
		return vecstore.NewLogger(slog.NewTextHandler(w, opts)), nil
	case "json":
		return vecstore.NewLogger(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: -log-format must be text or json", errUsage)
	}
}

func (cf *commonFlags) options(w io.Writer) ([]vecstore.Option, error) {
	logger, err := cf.logger(w)
	if err != nil {
		return nil, err
	}
	startGops(logger)
	return []vecstore.Option{
		vecstore.WithLogger(logger),
		vecstore.WithLockTimeout(cf.lockTimeout),
	}, nil
}

// open opens the store named by -path, which must already exist.
func (c *command) open(cf *commonFlags) (*vecstore.Store, error) {
	if _, err := os.Stat(cf.path); err != nil {
		return nil, err
	}
	opts, err := cf.options(c.stderr)
	if err != nil {
		return nil, err
	}
	return vecstore.Open(cf.path, opts...)
}
