package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestRealtimeDeliversChangesForSubscribedGroup(t *testing.T) {
	mem, server := newBackendServer(t, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribed := make(chan struct{}, 1)
	changes := make(chan pulse.Kind, 4)
	rt := NewRealtime(RealtimeOptions{
		URL:     wsURL(server, "/v1/realtime"),
		Token:   "secret",
		GroupID: "g-1",
		Kinds:   []pulse.Kind{pulse.KindTask, pulse.KindNote},
		OnChange: func(_ context.Context, kind pulse.Kind) {
			changes <- kind
		},
		OnSubscribed: func() { subscribed <- struct{}{} },
		Logger:       quietLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for subscription")
	}

	other := sampleTask("other group")
	other.GroupID = "g-2"
	if _, err := mem.CreateRecord(ctx, pulse.KindTask, "g-2", other); err != nil {
		t.Fatalf("create other group: %v", err)
	}
	if _, err := createStatus(ctx, mem); err != nil {
		t.Fatalf("create status: %v", err)
	}
	serverID, err := mem.CreateRecord(ctx, pulse.KindTask, "g-1", sampleTask("mine"))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := mem.UpdateRecord(ctx, pulse.KindTask, serverID, sampleTask("mine, edited")); err != nil {
		t.Fatalf("update task: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case kind := <-changes:
			if kind != pulse.KindTask {
				t.Fatalf("expected task change, got %s", kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for change %d", i+1)
		}
	}
	select {
	case kind := <-changes:
		t.Fatalf("unexpected extra change for %s", kind)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("realtime did not stop after cancel")
	}
}

func createStatus(ctx context.Context, mem *Memory) (string, error) {
	now := time.Now().UTC()
	return mem.CreateRecord(ctx, pulse.KindStatus, "g-1", pulse.Status{
		RecordMeta: pulse.RecordMeta{LocalID: "s-1", GroupID: "g-1", UserID: "u-1", CreatedAt: now, UpdatedAt: now},
		Type:       pulse.StatusArrived,
		Trigger:    pulse.TriggerManual,
	})
}

func TestRealtimeReconnectsAfterServerDrop(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt := NewRealtime(RealtimeOptions{
		URL:       wsURL(server, "/"),
		GroupID:   "g-1",
		Logger:    quietLogger(),
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	go func() { _ = rt.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&connections) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a reconnect, saw %d connections", atomic.LoadInt32(&connections))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseChannel(t *testing.T) {
	for _, kind := range pulse.AllKinds {
		got, group, ok := ParseChannel(ChannelName(kind, "g-7"))
		if !ok || got != kind || group != "g-7" {
			t.Fatalf("round trip failed for %s: %s %s %v", kind, got, group, ok)
		}
	}
	for _, bad := range []string{"", "tasks", "tasks:", "photos:g-1"} {
		if _, _, ok := ParseChannel(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if ChannelName(pulse.KindStatus, "g-1") != "status_events:g-1" {
		t.Fatalf("unexpected status channel name")
	}
}
