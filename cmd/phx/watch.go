package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftcode/phx"
	"github.com/driftcode/phx/internal/filewatch"
	"github.com/driftcode/phx/internal/offlinequeue"
	"github.com/driftcode/phx/internal/signing"
)

func watchCmd() *cobra.Command {
	var (
		topic    string
		dbPath   string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <topic> [directories...]",
		Short: "Watch directories and push changes to a topic, queuing pushes made offline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args[1:]
			if len(dirs) == 0 {
				dirs = []string{"."}
			}

			store, err := offlinequeue.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open outbox: %w", err)
			}
			defer store.Close()

			socket := phx.NewSocket(serverURL)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if err := socket.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer socket.Disconnect(nil, 1000, "phx watch done")

			ch := socket.Channel(topic, phx.Box(map[string]any{"nick": nick, "client_id": clientID}))
			if _, err := ch.Join(); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			socket.OnOpen(func() { go drainOutbox(store, ch) })
			go drainOutbox(store, ch)

			onChange := func(ev filewatch.Event) {
				payload, _ := json.Marshal(map[string]any{"path": ev.Path, "action": ev.Action})
				id, err := store.Enqueue(topic, "file_change", payload)
				if err != nil {
					fmt.Fprintf(os.Stderr, "enqueue %s: %v\n", ev.Path, err)
					return
				}
				fmt.Printf("queued #%d %s (%s, blake3:%s)\n", id, ev.Path, ev.Action, signing.ChecksumHex(payload)[:12])
				if socket.IsConnected() {
					go drainOutbox(store, ch)
				}
			}

			return filewatch.Watch(ctx, dirs, debounce, []string{".git"}, onChange)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "files:sync", "topic to push changes to")
	cmd.Flags().StringVar(&dbPath, "db", "phx-outbox.db", "path to the SQLite offline outbox")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "debounce window for file events")
	return cmd
}

// drainOutbox pushes every queued item in order, stopping at the first one
// that doesn't get an ok reply so order is preserved across retries.
func drainOutbox(store *offlinequeue.Store, ch *phx.Channel) {
	items, err := store.Pending(100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read outbox: %v\n", err)
		return
	}

	for _, item := range items {
		var body map[string]any
		if err := json.Unmarshal(item.Payload, &body); err != nil {
			store.MarkFailed(item.ID, err.Error())
			continue
		}

		push, err := ch.Push(item.Event, phx.Box(body))
		if err != nil {
			store.MarkFailed(item.ID, err.Error())
			return
		}

		acked := make(chan bool, 1)
		push.Receive(phx.StatusOK, func(phx.BoxedJSON) { acked <- true })
		push.Receive(phx.StatusError, func(phx.BoxedJSON) { acked <- false })
		push.Receive(phx.StatusTimeout, func(phx.BoxedJSON) { acked <- false })

		if !<-acked {
			store.MarkFailed(item.ID, "push not acknowledged")
			return
		}
		store.Complete(item.ID)
	}
}
