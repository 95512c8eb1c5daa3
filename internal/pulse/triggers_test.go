package pulse

import (
	"context"
	"testing"
	"time"
)

func TestRunTriggersAppliesEventsUntilClosed(t *testing.T) {
	h := newHarness(t)
	events := make(chan TriggerEvent, 3)
	events <- TriggerEvent{Trigger: TriggerGeofence, Status: StatusArrived, LocationName: "Home"}
	events <- TriggerEvent{Trigger: TriggerBluetooth, Status: "bogus"}
	events <- TriggerEvent{Trigger: TriggerHourly, Status: StatusPulse}
	close(events)

	h.coord.RunTriggers(context.Background(), events)

	statuses := h.store.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected two applied check-ins, got %+v", statuses)
	}
	if statuses[0].Trigger != TriggerHourly || statuses[1].Trigger != TriggerGeofence {
		t.Fatalf("expected newest status first, got %+v", statuses)
	}
}

func TestRunTriggersHonoursManualOnly(t *testing.T) {
	h := newHarness(t)
	if err := h.session.SetManualOnly(true); err != nil {
		t.Fatalf("set manual only: %v", err)
	}
	events := make(chan TriggerEvent, 1)
	events <- TriggerEvent{Trigger: TriggerBluetooth, Status: StatusArrived}
	close(events)
	h.coord.RunTriggers(context.Background(), events)
	if h.store.Len(KindStatus) != 0 || h.remote.createCount() != 0 {
		t.Fatalf("automated trigger was applied in manual-only mode")
	}
}

func TestHourlyTriggerEmitsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := HourlyTrigger(ctx, 5*time.Millisecond)
	select {
	case ev := <-events:
		if ev.Trigger != TriggerHourly || ev.Status != StatusPulse {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for hourly event")
	}
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after cancel")
		}
	}
}

func TestRecordLocksReleaseEntries(t *testing.T) {
	l := newRecordLocks()
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	if l.held() != 2 {
		t.Fatalf("expected two held locks, got %d", l.held())
	}
	unlockA()
	unlockB()
	if l.held() != 0 {
		t.Fatalf("expected lock entries released, got %d", l.held())
	}
}
