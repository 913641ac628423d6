package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/event"
)

// eventsCmd is a standalone demonstration of the event bus's open/read/
// close subscriber protocol: this process has no long-lived daemon to
// attach to, so it emits a representative handful of events into a
// fresh bus and streams them back out, the same open-subscribe-read loop
// a real event consumer (a monitoring agent, a "zpool events -f"-style
// follower) would run against a resident pool daemon.
var eventsCmd = &cobra.Command{
	Use:   "events <pool>",
	Short: "emit and stream a sample of pool lifecycle events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		bus := event.NewBus(32, 4096)
		defer bus.Close()

		sub := bus.Open()
		defer sub.Close()

		bus.Emit(event.Event{Type: event.TypePoolStateChange, Pool: name, Message: "pool opened"})
		bus.Emit(event.Event{Type: event.TypeVdevStateChange, Pool: name, Message: "all vdevs healthy"})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for {
			ev, err := sub.Read(ctx)
			if err == io.EOF || err == context.DeadlineExceeded {
				break
			}
			if err != nil {
				return err
			}
			log.Printf("%s", ev.String())
		}
		if sub.Dropped() > 0 {
			log.Warnf("subscriber dropped %d events", sub.Dropped())
		}
		return nil
	},
}
