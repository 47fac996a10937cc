// Package phx is a Go client for the Phoenix Channels v2 wire protocol: a
// Socket owns one transport connection and multiplexes it across any
// number of Channels, each a join/leave state machine with its own push
// buffer and rejoin scheduler, plus a Presence helper for the
// presence_state/presence_diff sync algorithm.
//
// Basic usage:
//
//	socket := phx.NewSocket("ws://localhost:4000/socket",
//	    phx.WithParams(func() phx.BoxedJSON { return phx.Box(map[string]any{"token": "..."}) }),
//	)
//	socket.OnError(func(err error) { log.Println(err) })
//	if err := socket.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	channel := socket.Channel("room:lobby", phx.Box(map[string]any{}))
//	channel.On("new_msg", func(msg phx.Message) {
//	    body, _ := phx.Unbox[map[string]string](msg.Payload)
//	    fmt.Println(body["text"])
//	})
//	push, _ := channel.Join()
//	push.Receive(phx.StatusOK, func(phx.BoxedJSON) { log.Println("joined") })
package phx
