package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

func TestMemoryFetchHonoursCursorAndGroup(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	var changes []Change
	stop := mem.Watch(func(c Change) { changes = append(changes, c) })
	defer stop()

	first, err := mem.CreateRecord(ctx, pulse.KindTask, "g-1", sampleTask("one"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	other := sampleTask("elsewhere")
	other.GroupID = "g-2"
	if _, err := mem.CreateRecord(ctx, pulse.KindTask, "g-2", other); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	out, err := mem.FetchRecords(ctx, pulse.KindTask, "g-1", "")
	if err != nil || len(out.Records) != 1 || out.Records[0].ServerID != first {
		t.Fatalf("unexpected fetch %+v %v", out, err)
	}
	cursor := out.NextCursor

	again, _ := mem.FetchRecords(ctx, pulse.KindTask, "g-1", cursor)
	if len(again.Records) != 0 || again.NextCursor != cursor {
		t.Fatalf("expected empty page with same cursor, got %+v", again)
	}

	updated := sampleTask("one, renamed")
	if err := mem.UpdateRecord(ctx, pulse.KindTask, first, updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	after, _ := mem.FetchRecords(ctx, pulse.KindTask, "g-1", cursor)
	if len(after.Records) != 1 || after.Records[0].ServerID != first {
		t.Fatalf("expected the updated record after the cursor, got %+v", after)
	}

	if len(changes) != 3 || changes[0].Op != OpInsert || changes[2].Op != OpUpdate || changes[2].GroupID != "g-1" {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if _, err := mem.FetchRecords(ctx, pulse.KindTask, "g-1", "abc"); !errors.Is(err, pulse.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad cursor, got %v", err)
	}
}

func TestMemoryBacksPulseSync(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	group := pulse.Group{ID: "g-1", Name: "Home", MemberCount: 2}

	alice := pulse.NewClient(pulse.ClientOptions{Remote: mem, Logger: quietLogger()})
	defer alice.Close()
	if err := alice.Open(pulse.Profile{UserID: "u-alice", DisplayName: "Alice"}, group); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	bob := pulse.NewClient(pulse.ClientOptions{Remote: mem, Logger: quietLogger()})
	defer bob.Close()
	if err := bob.Open(pulse.Profile{UserID: "u-bob", DisplayName: "Bob"}, group, pulse.Profile{UserID: "u-alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	task, err := alice.Coordinator.AddTask(ctx, pulse.TaskDraft{Title: "Buy milk"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, _, err := alice.Coordinator.CheckIn(ctx, pulse.CheckInRequest{Type: pulse.StatusArrived, LocationName: "Home"}); err != nil {
		t.Fatalf("check in: %v", err)
	}
	report, err := bob.Syncer.SyncAll(ctx)
	if err != nil || report.Err() != nil {
		t.Fatalf("bob sync: %v %v", err, report.Err())
	}
	items := bob.Feed.Visible()
	if len(items) != 2 || items[0].AuthorName != "Alice" {
		t.Fatalf("expected alice's records in bob's feed, got %+v", items)
	}

	if _, err := alice.Coordinator.ToggleTask(ctx, task.LocalID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := bob.Syncer.SyncKind(ctx, pulse.KindTask); err != nil {
		t.Fatalf("bob task sync: %v", err)
	}
	tasks := bob.Store.Tasks()
	if len(tasks) != 1 || !tasks[0].Completed {
		t.Fatalf("expected bob to see the completed task once, got %+v", tasks)
	}
}
