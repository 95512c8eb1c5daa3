package pulse

import (
	"context"
	"path/filepath"
	"testing"
)

func TestClientOpenHydratesFromBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	remote := newFakeRemote()
	profile := Profile{UserID: "u-alice", DisplayName: "Alice"}
	group := Group{ID: "g-1", Name: "Home", MemberCount: 2}

	first := NewClient(ClientOptions{Backend: NewJSONFileStateBackend(path), Remote: remote, Logger: quietLogger()})
	if err := first.Open(profile, group, Profile{UserID: "u-bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := first.Coordinator.AddTask(context.Background(), TaskDraft{Title: "Buy milk"}); err != nil {
		t.Fatalf("add task failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second := NewClient(ClientOptions{Backend: NewJSONFileStateBackend(path), Remote: remote, Logger: quietLogger()})
	defer second.Close()
	if err := second.Open(profile, group); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	tasks := second.Store.Tasks()
	if len(tasks) != 1 || tasks[0].ServerID != "T-1" {
		t.Fatalf("expected persisted task after reopen, got %+v", tasks)
	}
	items := second.Feed.Visible()
	if len(items) != 1 || items[0].AuthorName != "Alice" {
		t.Fatalf("expected hydrated feed, got %+v", items)
	}
	if second.PublishSnapshot() {
		t.Fatalf("expected no snapshot without a shared directory")
	}
}

func TestClientSignOutClearsState(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(ClientOptions{Remote: newFakeRemote(), SnapshotDir: dir, Logger: quietLogger()})
	defer c.Close()
	if err := c.Open(Profile{UserID: "u-alice"}, Group{ID: "g-1", Name: "Home"}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := c.Coordinator.AddNote(context.Background(), NoteDraft{Content: "hi"}); err != nil {
		t.Fatalf("add note failed: %v", err)
	}
	if !c.PublishSnapshot() {
		t.Fatalf("expected snapshot write into %s", dir)
	}
	c.SignOut()
	if c.Store.Snapshot().Len() != 0 || len(c.Feed.Items()) != 0 {
		t.Fatalf("expected empty store and feed after sign out")
	}
	if _, err := c.Coordinator.AddNote(context.Background(), NoteDraft{Content: "again"}); err == nil {
		t.Fatalf("expected writes to fail after sign out")
	}
}
