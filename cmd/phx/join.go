package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/driftcode/phx"
)

func joinCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "join <topic>",
		Short: "Join a topic and print every message of the --event event received on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]

			socket := phx.NewSocket(serverURL, phx.WithErrorHandler(func(e phx.CoreError) {
				fmt.Fprintf(os.Stderr, "error: %s\n", e.Error())
			}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := socket.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer socket.Disconnect(nil, 1000, "phx join done")

			ch := socket.Channel(topic, phx.Box(map[string]any{"nick": nick, "client_id": clientID}))
			ch.On(event, func(msg phx.Message) {
				fmt.Printf("[%s] %s\n", msg.Event, string(msg.Payload.Raw()))
			})

			push, err := ch.Join()
			if err != nil {
				return fmt.Errorf("join: %w", err)
			}
			joined := make(chan struct{})
			push.Receive(phx.StatusOK, func(phx.BoxedJSON) { close(joined) })
			push.Receive(phx.StatusError, func(resp phx.BoxedJSON) {
				fmt.Fprintf(os.Stderr, "join rejected: %s\n", string(resp.Raw()))
				os.Exit(1)
			})
			<-joined

			fmt.Fprintf(os.Stderr, "joined %s, type shout messages on stdin, Ctrl+C to quit\n", topic)

			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					ch.Push("shout", phx.Box(map[string]any{"nick": nick, "text": scanner.Text()}))
				}
			}()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&event, "event", "new_msg", "channel event to print")
	return cmd
}
