package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/spf13/cobra"

	"github.com/driftcode/phx"
	"github.com/driftcode/phx/internal/presencelog"
)

func presenceCmd() *cobra.Command {
	var (
		topic string
		dsn   string
	)
	cmd := &cobra.Command{
		Use:   "presence <topic>",
		Short: "Track presence on a topic and print the live roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic = args[0]

			var auditLog *presencelog.Logger
			if dsn != "" {
				var err error
				auditLog, err = presencelog.Open(dsn)
				if err != nil {
					return fmt.Errorf("open presence log: %w", err)
				}
				defer auditLog.Close()
			}

			socket := phx.NewSocket(serverURL)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if err := socket.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer socket.Disconnect(nil, 1000, "phx presence done")

			ch := socket.Channel(topic, phx.Box(map[string]any{"nick": nick, "client_id": clientID}))
			p := phx.NewPresence(ch)

			p.OnSync(func() {
				keys := phx.List(p, func(key string, metas []phx.BoxedJSON) string { return key })
				sort.Strings(keys)
				fmt.Printf("online (%d): %v\n", len(keys), keys)
			})
			p.OnJoin(func(key string, current *phx.PresenceEntry, newMeta phx.PresenceEntry) {
				fmt.Printf("+ %s joined\n", key)
				if auditLog != nil {
					auditLog.LogJoin(topic, key, len(newMeta.Metas))
				}
			})
			p.OnLeave(func(key string, current, leftMeta phx.PresenceEntry) {
				fmt.Printf("- %s left\n", key)
				if auditLog != nil {
					auditLog.LogLeave(topic, key, len(leftMeta.Metas))
				}
			})

			if _, err := ch.Join(); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "postgres-dsn", "", "Postgres DSN for an audit log of joins/leaves (optional)")
	return cmd
}
