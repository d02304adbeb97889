package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// StatusView is the output of the status command.
type StatusView struct {
	Online    bool            `json:"online"`
	Syncing   bool            `json:"syncing"`
	Pending   int             `json:"pending"`
	Attention int             `json:"attention"`
	Queue     []operationView `json:"queue"`
}

// String renders the status for text output.
func (s StatusView) String() string {
	var b strings.Builder
	state := "offline"
	if s.Online {
		state = "online"
	}
	fmt.Fprintf(&b, "%s, %d pending, %d need attention", state, s.Pending, s.Attention)
	for _, o := range s.Queue {
		b.WriteString("\n  " + o.String())
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and the queue",
		Long: `Show the sync state: connectivity, queue length, operations needing
attention and every queued operation in creation order.

Example:
  fieldsync status
  fieldsync status --probe --format json`,
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

			if probe {
				e.probeOnce(ctx)
			}

			st := e.engine.Status()
			view := StatusView{
				Online:    st.Online,
				Syncing:   st.Syncing,
				Pending:   st.Pending,
				Attention: len(st.Attention),
				Queue:     []operationView{},
			}
			for _, o := range e.engine.QueueSnapshot() {
				view.Queue = append(view.Queue, newOperationView(o, e.engine.Backoff()))
			}
			return newFormatter(rootOpts, cmd).Success(view)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "probe connectivity instead of reporting the configured initial state")

	return cmd
}
