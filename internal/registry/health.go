package registry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// StartHealthSweep schedules a periodic re-validation of already-healthy
// backends: a lightweight list_tools against each running session, on the
// given cron schedule. This is independent of the crash-triggered restart
// path in handleCrash/restart — it exists to catch a backend that hasn't
// exited but has stopped responding (a wedged process holding its pipes
// open). A sweep failure does not restart the backend; it only logs, since
// a single slow response is not evidence of a crash.
func (r *Registry) StartHealthSweep(ctx context.Context, schedule string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		r.sweepOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.Start()

	stop := func() {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	return stop, nil
}

func (r *Registry) sweepOnce(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		session := r.sessions[name]
		r.mu.RUnlock()
		if session == nil || !session.Connected() {
			continue
		}

		sweepCtx, cancel := context.WithTimeout(ctx, ListToolsTimeout)
		_, err := r.listTools(sweepCtx, session)
		cancel()
		if err != nil {
			r.logger.Warn("health sweep: backend unresponsive", "backend", name, "error", err)
		}
	}
}
