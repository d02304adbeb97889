package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
)

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <op-id>",
		Short: "Reset an operation so it is applied in the next cycle",
		Long: `Reset a queued operation to PENDING with no retries. This is how a FAILED
or CONFLICT operation is given another chance.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationCommand(rootOpts, cmd, "retry failed", func(ctx context.Context, e *env) (op.Operation, error) {
				return e.engine.RetryOperation(ctx, args[0])
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <op-id>",
		Short: "Remove an operation without applying it",
		Long: `Remove a queued operation without applying it. Local snapshot changes
made when it was queued are kept.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationCommand(rootOpts, cmd, "discard failed", func(ctx context.Context, e *env) (op.Operation, error) {
				return e.engine.DiscardOperation(ctx, args[0])
			})
		},
	}
}

func runOperationCommand(opts *RootOptions, cmd *cobra.Command, failure string, fn func(ctx context.Context, e *env) (op.Operation, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts, cmd)

	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	o, err := fn(ctx, e)
	if err != nil {
		return f.fail(failure, err)
	}
	return f.Success(newOperationView(o, e.engine.Backoff()))
}

// attemptView is the JSON form of one apply attempt.
type attemptView struct {
	Number  int        `json:"attempt"`
	At      time.Time  `json:"at"`
	Outcome op.Outcome `json:"outcome"`
	Error   string     `json:"error,omitempty"`
}

// HistoryView is the output of the history command.
type HistoryView struct {
	Operation operationView `json:"operation"`
	Attempts  []attemptView `json:"attempts"`
}

// String renders the history for text output.
func (h HistoryView) String() string {
	var b strings.Builder
	b.WriteString(h.Operation.String())
	if len(h.Attempts) == 0 {
		b.WriteString("\n  no attempts")
	}
	for _, a := range h.Attempts {
		fmt.Fprintf(&b, "\n  #%d %s %s", a.Number, a.At.Format(time.RFC3339), a.Outcome)
		if a.Error != "" {
			b.WriteString("  " + a.Error)
		}
	}
	return b.String()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <op-id>",
		Short: "Show the apply attempts of a queued operation",
		Args:  cobra.ExactArgs(1),
		Long: `Show a queued operation and every recorded apply attempt with its
outcome. History is removed together with the operation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			f := newFormatter(rootOpts, cmd)

			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			o, ok := e.engine.Operation(args[0])
			if !ok {
				return f.fail("history failed", notQueued(args[0]))
			}
			attempts, err := e.engine.History(ctx, args[0])
			if err != nil {
				return f.fail("history failed", err)
			}

			view := HistoryView{
				Operation: newOperationView(o, e.engine.Backoff()),
				Attempts:  make([]attemptView, 0, len(attempts)),
			}
			for _, a := range attempts {
				view.Attempts = append(view.Attempts, attemptView{
					Number:  a.Number,
					At:      a.At,
					Outcome: a.Outcome,
					Error:   a.Error,
				})
			}
			return f.Success(view)
		},
	}
}

func notQueued(id string) error {
	return &engine.SyncError{Code: engine.ErrCodeNotFound, Message: "operation not in queue", OpID: id}
}
