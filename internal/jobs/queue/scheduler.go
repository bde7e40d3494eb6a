package queue

import (
	"context"
	"fmt"
	"time"
)

func slotKey(name string, slot int64) string {
	return fmt.Sprintf("slot:%s:%d", name, slot)
}

func (c *Client) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.emitDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				c.logger.Error("Scheduler error", "error", err)
			}
		}
	}
}

// emitDue sends one job per schedule for the interval slot containing now.
// Slots are claimed in the backend so concurrent processes emit each slot once.
func (c *Client) emitDue(ctx context.Context, now time.Time) error {
	schedules, err := c.backend.Schedules(ctx)
	c.observe(err)
	if err != nil {
		return err
	}

	for _, s := range schedules {
		if s.Every <= 0 {
			continue
		}
		slot := now.UnixNano() / int64(s.Every)

		claimed, err := c.backend.ClaimSlot(ctx, s.Name, slot, 2*s.Every)
		c.observe(err)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		id, err := c.Send(ctx, s.Name, s.Payload, WithSingletonKey(fmt.Sprintf("schedule:%s:%d", s.Name, slot)))
		if err != nil {
			return fmt.Errorf("emit schedule %s: %w", s.Name, err)
		}
		c.logger.Debug("Scheduled job emitted", "schedule", s.Name, "slot", slot, "job_id", id)
	}
	return nil
}
