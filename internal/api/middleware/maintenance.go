package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// MaintenanceRunner is the background work a request can trigger.
type MaintenanceRunner interface {
	RunNow()
}

// MaintenanceTrigger returns a middleware that opportunistically runs the
// maintenance job off request traffic, at most once per interval. Busy
// deployments get timely sweeps without waiting for the nightly schedule;
// the job runs in the background so the triggering request never pays for
// it.
func MaintenanceTrigger(runner MaintenanceRunner, interval time.Duration) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		lastRun time.Time
	)

	return func(c *gin.Context) {
		mu.Lock()
		due := time.Since(lastRun) >= interval
		if due {
			lastRun = time.Now()
		}
		mu.Unlock()

		if due {
			go runner.RunNow()
		}

		c.Next()
	}
}
