package pulse

import (
	"sort"
	"time"
)

// FeedItem is the kind-agnostic projection of a record in the unified feed.
// Record keeps the typed original.
type FeedItem struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	GroupID     string    `json:"groupId"`
	UserID      string    `json:"userId"`
	ServerID    string    `json:"serverId,omitempty"`
	AuthorName  string    `json:"authorName"`
	AuthorEmoji string    `json:"authorEmoji,omitempty"`
	Record      Record    `json:"record"`
}

func (it FeedItem) Pending() bool {
	return it.ServerID == ""
}

// Summary is the one-line description shown next to the author.
func (it FeedItem) Summary() string {
	switch rec := it.Record.(type) {
	case Status:
		if rec.LocationName != "" {
			return rec.Type.DisplayName() + " · " + rec.LocationName
		}
		return rec.Type.DisplayName()
	case Task:
		if rec.Completed {
			return "completed " + rec.Title
		}
		return "added " + rec.Title
	case Note:
		return rec.Content
	case VoiceMessage:
		if rec.Transcript != "" {
			return "voice: " + rec.Transcript
		}
		return "sent a voice message"
	}
	return ""
}

func NewFeedItem(rec Record, dir *Directory) FeedItem {
	meta := rec.Meta()
	author := dir.Lookup(meta.UserID)
	return FeedItem{
		ID:          meta.LocalID,
		Kind:        rec.Kind(),
		Timestamp:   rec.DisplayTime(),
		GroupID:     meta.GroupID,
		UserID:      meta.UserID,
		ServerID:    meta.ServerID,
		AuthorName:  author.DisplayName,
		AuthorEmoji: author.Emoji,
		Record:      rec,
	}
}

// Aggregate builds the unified feed from the four collections, newest display
// timestamp first. Equal timestamps fall back to kind priority and then the
// local id so that the order never depends on collection layout.
func Aggregate(c Collections, dir *Directory) []FeedItem {
	items := make([]FeedItem, 0, c.Len())
	for _, kind := range AllKinds {
		for _, rec := range c.Records(kind) {
			items = append(items, NewFeedItem(rec, dir))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return feedLess(items[i], items[j])
	})
	return items
}

func feedLess(a, b FeedItem) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if pa, pb := kindPriority(a.Kind), kindPriority(b.Kind); pa != pb {
		return pa < pb
	}
	return a.ID < b.ID
}
