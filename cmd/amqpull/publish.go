package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/amqpull"
)

func newPublishCommand(root *rootOptions) *cobra.Command {
	var (
		declare     bool
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "publish <queue> <body>...",
		Short: "Publish messages to a queue",
		Long:  "Publish sends each body as a persistent message to the queue through the default exchange.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := root.connect(ctx, 0)
			if err != nil {
				return err
			}
			defer client.Close()

			queue := args[0]
			if declare {
				if _, err := client.DeclareQueue(ctx, amqpull.QueueDeclaration{Name: queue, Durable: true}); err != nil {
					return fmt.Errorf("failed to declare queue %s: %w", queue, err)
				}
			}

			for _, body := range args[1:] {
				if err := client.Publish(ctx, queue, []byte(body), contentType); err != nil {
					return fmt.Errorf("failed to publish to %s: %w", queue, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %d messages to %s\n", len(args)-1, queue)
			return nil
		},
	}

	cmd.Flags().BoolVar(&declare, "declare", false, "Declare the queue as durable before publishing")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Content type of the messages")

	return cmd
}
