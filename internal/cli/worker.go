package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/cluster"
)

func newWorkerCmd(o *options) *cobra.Command {
	var (
		url   string
		queue string
		dir   string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run jobs submitted by the amqp executor",
		Long: `Consume job submissions from the AMQP work queue and run their scripts
one at a time. Status is reported to the queue each submission names.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.openDir()
			if err != nil {
				return err
			}
			if url == "" {
				url = ws.cfg.AMQP.URL
			}
			if queue == "" {
				queue = ws.cfg.AMQP.Queue
			}
			if dir == "" {
				if dir, err = os.Getwd(); err != nil {
					return err
				}
			}

			conn, ch, err := cluster.Dial(url)
			if err != nil {
				return err
			}
			defer conn.Close()

			w := cluster.NewWorker(ch, cluster.AMQPConfig{
				JobQueue:    queue,
				StatusQueue: ws.cfg.AMQP.StatusQueue,
			}, dir, ws.logger)
			if err := w.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			ws.logger.Info("worker stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "AMQP broker URL (default from config)")
	cmd.Flags().StringVar(&queue, "queue", "", "Job queue (default from config)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory for submissions without one (default current directory)")
	return cmd
}
