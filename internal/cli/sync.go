package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
)

// CycleView is the output of the sync command.
type CycleView struct {
	Skipped    string `json:"skipped,omitempty"`
	Due        int    `json:"due"`
	Succeeded  int    `json:"succeeded"`
	Retrying   int    `json:"retrying"`
	Failed     int    `json:"failed"`
	Conflicted int    `json:"conflicted"`
	Held       int    `json:"held"`
	Remaining  int    `json:"remaining"`
}

// String renders the cycle for text output.
func (c CycleView) String() string {
	if c.Skipped != "" {
		return fmt.Sprintf("sync skipped: %s (%d pending)", c.Skipped, c.Remaining)
	}
	return fmt.Sprintf("%d due: %d applied, %d retrying, %d failed, %d conflicted, %d held; %d remaining",
		c.Due, c.Succeeded, c.Retrying, c.Failed, c.Conflicted, c.Held, c.Remaining)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Apply every due operation once, in creation order, and exit.

With a connectivity probe configured, the probe decides whether the cycle
runs; otherwise the configured initial state does.

Exit codes:
  0 - Cycle ran (individual operations may still have failed)
  1 - Skipped because offline
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			e.probeOnce(ctx)
			r := e.engine.RunCycle(ctx)
			view := CycleView{
				Skipped:    string(r.Skipped),
				Due:        r.Due,
				Succeeded:  r.Succeeded,
				Retrying:   r.Retrying,
				Failed:     r.Failed,
				Conflicted: r.Conflicted,
				Held:       r.Held,
				Remaining:  e.engine.Status().Pending,
			}

			f := newFormatter(rootOpts, cmd)
			if r.Skipped == engine.SkipOffline {
				return f.fail("sync skipped", &engine.SyncError{Code: engine.ErrCodeOffline, Message: "cannot sync while offline"})
			}
			return f.Success(view)
		},
	}
}
