package relayctl

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ahrav/relayq/internal/app/worker"
)

// newPendingCommand constructs the `pending` subcommand.
func newPendingCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [queue]",
		Short: "List the items a queue is still waiting on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer sess.close(cmd.Context())

			name := sess.cfg.Queue.Name
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return errors.New("queue name is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			r := worker.NewReconciler(sess.bus, o.timeout, sess.logger, sess.tracer)
			if err := r.Start(ctx); err != nil {
				return err
			}
			defer r.Close()

			payload, err := r.Fetch(ctx, name)
			if err != nil {
				return err
			}
			return writeJSON(cmd, payload)
		},
	}
}
