package snapshot

import (
	"context"

	"github.com/robfig/cron/v3"
)

// Scheduler runs Manager.PurgeExpired on a cron schedule for
// snapshot-retention housekeeping: long-lived daemons
// that keep a Manager alive across many tasks shouldn't rely on
// NewManager's one-shot construction-time purge alone.
type Scheduler struct {
	c *cron.Cron
}

// NewScheduler builds and starts a cron-driven purge sweep against mgr at
// spec (standard five-field cron syntax such as "0 */6 * * *", or a
// descriptor such as "@hourly"); an empty spec means "@hourly".
func NewScheduler(mgr *Manager, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = "@hourly"
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, mgr.PurgeExpired); err != nil {
		return nil, err
	}
	c.Start()
	return &Scheduler{c: c}, nil
}

// Stop halts the schedule and returns a context that is done once any
// in-flight purge sweep finishes.
func (s *Scheduler) Stop() context.Context {
	return s.c.Stop()
}
