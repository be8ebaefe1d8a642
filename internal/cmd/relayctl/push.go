package relayctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appqueue "github.com/ahrav/relayq/internal/app/queue"
	"github.com/ahrav/relayq/internal/app/worker"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/pkg/config"
)

// itemView is the JSON shape printed for an item.
type itemView struct {
	queue.ItemData
	Status string `json:"status"`
}

func viewOf(item *queue.Item) itemView {
	return itemView{ItemData: item.ToData(), Status: item.Status().String()}
}

// newPushCommand constructs the `push` subcommand.
func newPushCommand(o *rootOptions) *cobra.Command {
	var (
		queueName string
		area      string
	)

	cmd := &cobra.Command{
		Use:   "push <task-json>",
		Short: "Push a task and wait for a worker to complete it",
		Long: `Push a task onto a queue and block until a worker completes it.

The argument is parsed as JSON; anything that is not valid JSON is pushed as a
string. With the memory bus driver an echo worker runs in-process so the
command is usable without a broker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := o.open(cmd)
			if err != nil {
				return err
			}
			defer sess.close(cmd.Context())

			if queueName != "" {
				sess.cfg.Queue.Name = queueName
			}
			if area != "" {
				sess.cfg.Queue.Area = area
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			return runPush(ctx, cmd, sess, parseTask(args[0]))
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "Queue name (overrides queue.name)")
	cmd.Flags().StringVar(&area, "area", "", "Area to address the broadcast to")
	return cmd
}

func parseTask(arg string) any {
	var task any
	if err := json.Unmarshal([]byte(arg), &task); err != nil {
		return arg
	}
	return task
}

func runPush(ctx context.Context, cmd *cobra.Command, sess *session, task any) error {
	metrics, err := appqueue.NewQueueMetrics(sess.meter)
	if err != nil {
		return fmt.Errorf("creating queue metrics: %w", err)
	}

	q, err := appqueue.New(sess.bus, sess.cfg.Queue.Name,
		appqueue.WithArea(sess.cfg.Queue.Area),
		appqueue.WithPendingTTL(sess.cfg.Queue.PendingTTL),
		appqueue.WithMetrics(metrics),
		appqueue.WithLogger(sess.logger),
		appqueue.WithTracer(sess.tracer),
	)
	if err != nil {
		return err
	}
	if err := q.Start(ctx); err != nil {
		return err
	}
	defer q.Close()

	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorker := context.WithCancel(gctx)
	defer stopWorker()

	if sess.cfg.Bus.Driver == config.BusDriverMemory || sess.cfg.Bus.Driver == "" {
		w, err := worker.New(sess.bus, worker.EchoProcessor, worker.Config{
			QueueName: sess.cfg.Queue.Name,
			Area:      sess.cfg.Queue.Area,
		}, worker.WithLogger(sess.logger), worker.WithTracer(sess.tracer))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(workerCtx) })
		select {
		case <-w.Ready():
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		}
	}

	var (
		item    *queue.Item
		pushErr error
	)
	g.Go(func() error {
		defer stopWorker()
		fut, err := q.Push(gctx, task)
		if err != nil {
			return err
		}
		sess.logger.Info(gctx, "Item pushed", "item_id", fut.ID(), "queue_name", q.Name())
		item, pushErr = fut.Wait(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var itemErr *queue.ItemError
	switch {
	case pushErr == nil:
	case errors.As(pushErr, &itemErr):
		item = itemErr.Item
	default:
		return fmt.Errorf("waiting for completion: %w", pushErr)
	}

	if err := writeJSON(cmd, viewOf(item)); err != nil {
		return err
	}
	return pushErr
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
