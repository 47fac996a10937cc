package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/driftcode/phx"
	"github.com/driftcode/phx/internal/tui"
)

func tuiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui <topic>",
		Short: "Open a terminal chat and presence viewer for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]

			socket := phx.NewSocket(serverURL)
			if err := socket.Connect(context.Background()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer socket.Disconnect(nil, 1000, "phx tui done")

			ch := socket.Channel(topic, phx.Box(map[string]any{"nick": nick, "client_id": clientID}))
			model := tui.New(socket, ch, nick)

			program := tea.NewProgram(model)
			model.Wire(program)

			if _, err := ch.Join(); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			_, err := program.Run()
			return err
		},
	}
	return cmd
}
