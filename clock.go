package eventbus

import (
	"sync/atomic"
	"time"
)

// coarseNow holds unix seconds, refreshed every 500ms by a background
// goroutine. The subscription cache's TTL check reads this instead of
// calling time.Now(), which is a syscall on most platforms.
var coarseNow atomic.Int64

func init() {
	coarseNow.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			coarseNow.Store(time.Now().Unix())
		}
	}()
}
