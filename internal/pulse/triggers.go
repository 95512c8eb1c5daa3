package pulse

import (
	"context"
	"errors"
	"time"
)

// TriggerEvent is an automated or manual request to check in, as produced by
// presence sources such as Bluetooth, geofence or a timer.
type TriggerEvent struct {
	Trigger      TriggerType
	Status       StatusType
	LocationName string
	Latitude     *float64
	Longitude    *float64
}

func (c *Coordinator) HandleTrigger(ctx context.Context, ev TriggerEvent) (Status, bool, error) {
	return c.CheckIn(ctx, CheckInRequest{
		Type:         ev.Status,
		Trigger:      ev.Trigger,
		LocationName: ev.LocationName,
		Latitude:     ev.Latitude,
		Longitude:    ev.Longitude,
	})
}

// RunTriggers consumes events until ctx is done or events is closed.
// Failures are logged; a trigger source has nobody to report them to.
func (c *Coordinator) RunTriggers(ctx context.Context, events <-chan TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_, applied, err := c.HandleTrigger(ctx, ev)
			switch {
			case errors.Is(err, ErrNotAuthenticated):
				c.logger.Debug("trigger ignored without session", "trigger", ev.Trigger)
			case err != nil:
				c.logger.Warn("trigger check-in failed", "trigger", ev.Trigger, "status", ev.Status, "err", err)
			case applied:
				c.logger.Info("trigger check-in", "trigger", ev.Trigger, "status", ev.Status)
			}
		}
	}
}

// HourlyTrigger emits a pulse check-in every interval until ctx is done.
func HourlyTrigger(ctx context.Context, interval time.Duration) <-chan TriggerEvent {
	if interval <= 0 {
		interval = time.Hour
	}
	out := make(chan TriggerEvent)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- TriggerEvent{Trigger: TriggerHourly, Status: StatusPulse}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
