package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Inbox   string
	LogFile string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine in the foreground.

A cycle runs at startup, whenever connectivity returns, and every
retry_interval while operations are waiting out their backoff. With an
inbox directory, *.json enqueue requests dropped there are queued and
deleted; invalid ones are renamed *.rejected.

Example:
  fieldsync run --config ./fieldsync.cue
  fieldsync run --db ./queue.db --inbox ./inbox --log-file ./fieldsync.log`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Inbox, "inbox", "", "directory to ingest enqueue requests from (overrides config)")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "rotated log file (overrides config)")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if opts.Inbox != "" {
		e.cfg.Inbox = opts.Inbox
	}
	if opts.LogFile != "" {
		e.cfg.Log.File = opts.LogFile
	}

	closeLog := setupLogging(e.cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	defer closeLog()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	unsubscribe := e.engine.Subscribe(logEvent)
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("connectivity monitor stopped", "error", err)
		}
	}()

	if e.cfg.Inbox != "" {
		if err := os.MkdirAll(e.cfg.Inbox, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create inbox", err)
		}
		inbox := NewInbox(e.cfg.Inbox, DefaultInboxDebounce, func(ctx context.Context, p op.Payload) (op.Operation, error) {
			o, err := enqueuePayload(ctx, e.engine, p)
			if err == nil {
				// Offline is fine: the monitor starts a cycle on reconnect.
				_ = e.engine.SyncNow()
			}
			return o, err
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("inbox stopped", "error", err)
				cancel()
			}
		}()
	}

	slog.Info("fieldsync starting", "db", e.cfg.DB, "remote", e.cfg.Remote.DB, "inbox", e.cfg.Inbox)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	if err := e.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// setupLogging installs the default slog logger. With a log file, output
// goes to a lumberjack-rotated file instead of stderr. The returned
// function flushes and closes the file.
func setupLogging(cfg config.Log, verbose bool, stderr io.Writer) func() {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = stderr
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = rotator
		closeFn = func() { _ = rotator.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logEvent records queue changes for operators tailing the log.
func logEvent(ev engine.Event) {
	attrs := []any{"op", ev.Op.ID, "type", ev.Op.Type, "entity", ev.Op.Entity(), "status", ev.Op.Status, "queue", len(ev.Queue)}
	switch ev.Kind {
	case engine.EventFailed, engine.EventConflicted:
		slog.Warn("operation needs attention", append(attrs, "event", ev.Kind, "error", ev.Op.Error)...)
	default:
		slog.Debug("queue changed", append(attrs, "event", ev.Kind)...)
	}
}
