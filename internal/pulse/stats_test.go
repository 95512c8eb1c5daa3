package pulse

import (
	"testing"
	"time"
)

func TestComputeStats(t *testing.T) {
	dir := NewDirectory(Profile{UserID: "u-bob", DisplayName: "Bob"})
	bob := func(m RecordMeta) RecordMeta { m.UserID = "u-bob"; return m }
	yesterday := at(-24 * 60)
	c := Collections{
		Statuses: []Status{
			{RecordMeta: bob(meta("s-1", "", at(1))), Type: StatusArrived},
			{RecordMeta: bob(meta("s-2", "", yesterday)), Type: StatusLeaving},
		},
		Tasks: []Task{{RecordMeta: meta("t-1", "", at(2)), Title: "x"}},
		Notes: []Note{{RecordMeta: bob(meta("n-1", "", at(3))), Content: "y"}},
	}
	items := Aggregate(c, dir)
	stats := ComputeStats(items, at(60), dir)

	if stats.Total != 4 || stats.ByCategory[CategoryAll] != 4 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.ByCategory[CategoryLocation] != 2 || stats.ByCategory[CategoryTask] != 1 ||
		stats.ByCategory[CategoryNote] != 1 || stats.ByCategory[CategoryVoice] != 0 {
		t.Fatalf("unexpected category counts %+v", stats.ByCategory)
	}
	if stats.Today != 3 {
		t.Fatalf("expected 3 items today, got %d", stats.Today)
	}
	if stats.MostActiveUser != "u-bob" || stats.MostActiveName != "Bob" || stats.MostActiveN != 3 {
		t.Fatalf("unexpected most active user %+v", stats)
	}
	if got := ItemsForUser(items, "u-alice"); len(got) != 1 || got[0].ID != "t-1" {
		t.Fatalf("unexpected items for alice %+v", got)
	}
}

func TestTodayCountUsesCallerLocation(t *testing.T) {
	zone := time.FixedZone("UTC+11", 11*60*60)
	// 14:30 UTC on the 14th is already the 15th in UTC+11.
	item := FeedItem{Timestamp: time.Date(2026, 3, 14, 14, 30, 0, 0, time.UTC)}
	if n := TodayCount([]FeedItem{item}, time.Date(2026, 3, 15, 9, 0, 0, 0, zone)); n != 1 {
		t.Fatalf("expected item counted on the local day, got %d", n)
	}
	if n := TodayCount([]FeedItem{item}, time.Date(2026, 3, 14, 9, 0, 0, 0, zone)); n != 0 {
		t.Fatalf("expected item outside the local day, got %d", n)
	}
}

func TestMostActiveUserTieGoesToSmallestID(t *testing.T) {
	items := []FeedItem{{UserID: "u-b"}, {UserID: "u-a"}, {UserID: "u-b"}, {UserID: "u-a"}}
	user, n, ok := MostActiveUser(items)
	if !ok || user != "u-a" || n != 2 {
		t.Fatalf("expected u-a with 2, got %q %d %v", user, n, ok)
	}
	if _, _, ok := MostActiveUser(nil); ok {
		t.Fatalf("expected no most active user for an empty feed")
	}
}
