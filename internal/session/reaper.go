package session

import (
	"context"
	"log"
	"time"
)

// RunReaper abandons idle sessions on a fixed interval until the context is
// cancelled.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.AbandonIdle(ctx)
			if err != nil {
				log.Printf("session reaper: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("session reaper: abandoned %d idle session(s)", n)
			}
		}
	}
}
