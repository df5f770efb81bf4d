package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqpull"
	"github.com/glimte/amqpull/consume"
)

type consumeFlags struct {
	maxQueueSize   int
	noWaitMessages bool
	timeout        string
	noAck          bool
	exclusive      bool
	declare        bool
}

func newConsumeCommand(root *rootOptions) *cobra.Command {
	flags := &consumeFlags{}

	cmd := &cobra.Command{
		Use:   "consume <queue>...",
		Short: "Consume messages from one or more queues",
		Long: `Consume prints every message of the given queues, one consumer per queue.
Messages are acknowledged after printing unless --no-ack is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Consumer
			if cmd.Flags().Changed("max-queue-size") {
				cfg.MaxQueueSize = flags.maxQueueSize
			}
			if cmd.Flags().Changed("no-wait-messages") {
				cfg.WaitForMessages = !flags.noWaitMessages
			}
			if cmd.Flags().Changed("timeout") {
				timeout, err := parseTimeout(flags.timeout)
				if err != nil {
					return err
				}
				cfg.Timeout = timeout
			}
			if cmd.Flags().Changed("no-ack") {
				cfg.NoAck = flags.noAck
			}
			if cmd.Flags().Changed("exclusive") {
				cfg.Exclusive = flags.exclusive
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := root.connect(ctx, cfg.MaxQueueSize)
			if err != nil {
				return err
			}
			defer client.Close()

			if flags.declare {
				for _, queue := range args {
					if _, err := client.DeclareQueue(ctx, amqpull.QueueDeclaration{Name: queue, Durable: true}); err != nil {
						return fmt.Errorf("failed to declare queue %s: %w", queue, err)
					}
				}
			}

			out := &syncWriter{w: cmd.OutOrStdout()}
			g, gctx := errgroup.WithContext(ctx)
			for _, queue := range args {
				g.Go(func() error {
					return consumeQueue(gctx, client, queue, consumeOptions(cfg), !cfg.NoAck, out)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&flags.maxQueueSize, "max-queue-size", "m", 0, "Mailbox capacity per consumer, 0 is unbounded")
	cmd.Flags().BoolVar(&flags.noWaitMessages, "no-wait-messages", false, "Stop once the buffered messages are consumed")
	cmd.Flags().StringVarP(&flags.timeout, "timeout", "t", "0", "Maximum wait for a message, e.g. 500ms or 2s; 0 waits forever")
	cmd.Flags().BoolVar(&flags.noAck, "no-ack", false, "Consume in auto-ack mode")
	cmd.Flags().BoolVar(&flags.exclusive, "exclusive", false, "Request exclusive access to the queues")
	cmd.Flags().BoolVar(&flags.declare, "declare", false, "Declare the queues as durable before consuming")

	return cmd
}

// consumer is what consumeQueue needs from the client
type consumer interface {
	Consume(ctx context.Context, queue string, options ...amqpull.ConsumeOption) (*consume.Consumer, error)
}

func consumeQueue(ctx context.Context, client consumer, queue string, options []amqpull.ConsumeOption, ack bool, out io.Writer) error {
	c, err := client.Consume(ctx, queue, options...)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	defer c.Close()

	return printMessages(ctx, queue, c.Messages(ctx), ack, out)
}

func printMessages(ctx context.Context, queue string, messages iter.Seq2[*consume.Message, error], ack bool, out io.Writer) error {
	count := 0
	for msg, err := range messages {
		var timeoutErr *consume.TimeoutError
		switch {
		case errors.As(err, &timeoutErr):
			fmt.Fprintf(out, "%s: no message within %s, %d received\n", queue, timeoutErr.Timeout, count)
			return nil
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("consuming %s: %w", queue, err)
		}

		count++
		printMessage(out, queue, msg)
		if ack {
			if err := msg.Ack(); err != nil {
				return fmt.Errorf("failed to ack delivery %d on %s: %w", msg.Envelope.DeliveryTag, queue, err)
			}
		}
	}

	fmt.Fprintf(out, "%s: end of stream, %d received\n", queue, count)
	return nil
}

func printMessage(out io.Writer, queue string, msg *consume.Message) {
	redelivered := ""
	if msg.Envelope.Redelivered {
		redelivered = " (redelivered)"
	}
	fmt.Fprintf(out, "%s #%d%s [%s] %s\n",
		queue,
		msg.Envelope.DeliveryTag,
		redelivered,
		msg.Envelope.RoutingKey,
		msg.Body)
}

// syncWriter serialises output of concurrent consumers
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
