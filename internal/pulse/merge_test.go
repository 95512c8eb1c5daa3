package pulse

import (
	"reflect"
	"testing"
)

func TestMergeOverwritesMatchedTaskInPlace(t *testing.T) {
	store := NewStore()
	if err := store.Insert(Task{RecordMeta: RecordMeta{LocalID: "t-local", ServerID: "T-2", GroupID: "g-1", CreatedAt: at(0)}, Title: "Old"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	result, err := store.Merge(KindTask, "g-1", []Record{
		Task{RecordMeta: RecordMeta{ServerID: "T-2", GroupID: "g-1", CreatedAt: at(0)}, Title: "New"},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if result.Updated != 1 || result.Inserted != 0 {
		t.Fatalf("expected one update, got %+v", result)
	}
	tasks := store.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
	if tasks[0].ServerID != "T-2" || tasks[0].Title != "New" || tasks[0].LocalID != "t-local" {
		t.Fatalf("expected T-2 titled New under the original local id, got %+v", tasks[0])
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	store := NewStore()
	if err := store.Insert(Status{RecordMeta: RecordMeta{LocalID: "pending", GroupID: "g-1", CreatedAt: at(5)}, Type: StatusLeaving}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	batch := []Record{
		Status{RecordMeta: RecordMeta{ServerID: "S-1", GroupID: "g-1", CreatedAt: at(1)}, Type: StatusArrived, LocationName: "Home"},
		Status{RecordMeta: RecordMeta{ServerID: "S-2", GroupID: "g-1", CreatedAt: at(9)}, Type: StatusOnTheWay},
	}
	if _, err := store.Merge(KindStatus, "g-1", batch); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	once := store.Statuses()

	var events int
	store.Subscribe(func(ChangeEvent) { events++ })
	result, err := store.Merge(KindStatus, "g-1", batch)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	twice := store.Statuses()
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge is not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if result.Inserted != 0 || result.Updated != 0 {
		t.Fatalf("expected no changes on second merge, got %+v", result)
	}
	if events != 0 {
		t.Fatalf("expected no change event for a no-op merge, got %d", events)
	}
	got := []string{twice[0].ServerID, twice[1].LocalID, twice[2].ServerID}
	want := []string{"S-2", "pending", "S-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected createdAt descending order %v, got %v", want, got)
	}
}

func TestMergeNeverDuplicatesServerIdentity(t *testing.T) {
	store := NewStore()
	if err := store.Insert(Note{RecordMeta: RecordMeta{LocalID: "n1", ServerID: "N-1", GroupID: "g-1"}, Content: "a"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	result, err := store.Merge(KindNote, "g-1", []Record{
		Note{RecordMeta: RecordMeta{ServerID: "N-2", GroupID: "g-1"}, Content: "first"},
		Note{RecordMeta: RecordMeta{ServerID: "N-2", GroupID: "g-1"}, Content: "second"},
		Note{RecordMeta: RecordMeta{ServerID: "N-1", GroupID: "g-1"}, Content: "b"},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if result.Inserted != 1 || result.Updated != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected merge result %+v", result)
	}
	seen := map[string]int{}
	for _, n := range store.Notes() {
		seen[n.ServerID]++
		if n.ServerID == "N-2" && n.Content != "second" {
			t.Fatalf("expected last duplicate in batch to win, got %q", n.Content)
		}
		if n.LocalID == "" {
			t.Fatalf("merged record without local id: %+v", n)
		}
	}
	for serverID, n := range seen {
		if n != 1 {
			t.Fatalf("server id %s appears %d times", serverID, n)
		}
	}
}

func TestMergeLeavesPendingRecordsUntouched(t *testing.T) {
	store := NewStore()
	pending := Task{RecordMeta: RecordMeta{LocalID: "t-pending", GroupID: "g-1", CreatedAt: at(3)}, Title: "Buy milk"}
	if err := store.Insert(pending); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, err := store.Merge(KindTask, "g-1", []Record{
		Task{RecordMeta: RecordMeta{ServerID: "T-7", GroupID: "g-1", CreatedAt: at(1)}, Title: "Buy milk"},
		Task{RecordMeta: RecordMeta{GroupID: "g-1", CreatedAt: at(2)}, Title: "no server id"},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	got, ok := store.Get(KindTask, "t-pending")
	if !ok {
		t.Fatalf("pending task vanished after merge")
	}
	if !reflect.DeepEqual(got, Record(pending)) {
		t.Fatalf("pending task changed: %+v", got)
	}
	if store.Len(KindTask) != 2 {
		t.Fatalf("expected pending plus one merged task, got %d", store.Len(KindTask))
	}
}

func TestMergeSkipsOtherGroupsAndKinds(t *testing.T) {
	store := NewStore()
	result, err := store.Merge(KindTask, "g-1", []Record{
		Task{RecordMeta: RecordMeta{ServerID: "T-1", GroupID: "g-2"}, Title: "elsewhere"},
		Note{RecordMeta: RecordMeta{ServerID: "N-1", GroupID: "g-1"}},
		nil,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if result.Skipped != 3 || store.Len(KindTask) != 0 {
		t.Fatalf("expected everything skipped, got %+v with %d tasks", result, store.Len(KindTask))
	}
}

func TestMergeOverwritesOnlyMutableStatusFields(t *testing.T) {
	store := NewStore()
	lat := 1.5
	seed := Status{RecordMeta: RecordMeta{LocalID: "s1", ServerID: "S-1", GroupID: "g-1", UserID: "u-1", CreatedAt: at(0)},
		Type: StatusLeaving, Trigger: TriggerManual}
	if err := store.Insert(seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, err := store.Merge(KindStatus, "g-1", []Record{
		Status{RecordMeta: RecordMeta{ServerID: "S-1", GroupID: "g-1", UserID: "u-spoofed", CreatedAt: at(40)},
			Type: StatusArrived, Trigger: TriggerGeofence, LocationName: "Work", Latitude: &lat},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	got := store.Statuses()[0]
	if got.Type != StatusArrived || got.Trigger != TriggerGeofence || got.LocationName != "Work" || got.Latitude == nil || *got.Latitude != lat {
		t.Fatalf("mutable fields not merged: %+v", got)
	}
	if got.UserID != "u-1" || !got.CreatedAt.Equal(at(0)) || got.LocalID != "s1" {
		t.Fatalf("identity fields must stay local: %+v", got)
	}
}
