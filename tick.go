package main

import (
	"context"
	"log"
	"time"
)

// runSessionSweeper closes idle sessions until ctx is done. The interval and
// idle timeout are re-read from the settings on every tick.
func runSessionSweeper(ctx context.Context, hub *SessionHub, settings func() GlobalSettings) error {
	interval := settings().sweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			current := settings()
			closed := hub.Sweep(ctx, t.UTC(), current.sessionIdleTimeout())
			if closed > 0 {
				log.Println("Sweep:", closed, "idle sessions closed,", hub.Count(), "open")
			}
			if next := current.sweepInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
