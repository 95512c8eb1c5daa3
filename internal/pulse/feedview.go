package pulse

import (
	"slices"
	"sync"
	"time"
)

// FeedView keeps the aggregated feed and its filtered subset current by
// rebuilding both whenever the store reports a change.
type FeedView struct {
	store *Store
	dir   *Directory
	now   func() time.Time

	mu      sync.RWMutex
	filter  FeedFilter
	items   []FeedItem
	visible []FeedItem

	listenerMu sync.Mutex
	listeners  []func([]FeedItem)

	unsubscribe func()
}

func NewFeedView(store *Store, dir *Directory, filter FeedFilter) *FeedView {
	v := &FeedView{store: store, dir: dir, filter: filter, now: time.Now}
	v.rebuild()
	v.unsubscribe = store.Subscribe(func(ChangeEvent) { v.rebuild() })
	return v
}

func (v *FeedView) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
	}
}

// OnChange registers fn to receive the visible subset after every recompute.
func (v *FeedView) OnChange(fn func(visible []FeedItem)) {
	v.listenerMu.Lock()
	defer v.listenerMu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Refresh rebuilds the feed outside of a store event, for example after the
// directory learned new display names.
func (v *FeedView) Refresh() {
	v.rebuild()
}

func (v *FeedView) rebuild() {
	start := time.Now()
	items := Aggregate(v.store.Snapshot(), v.dir)
	feedRebuildSeconds.Observe(time.Since(start).Seconds())

	v.mu.Lock()
	v.items = items
	v.visible = Apply(items, v.filter)
	visible := slices.Clone(v.visible)
	v.mu.Unlock()
	v.emit(visible)
}

func (v *FeedView) refilter() {
	v.mu.Lock()
	v.visible = Apply(v.items, v.filter)
	visible := slices.Clone(v.visible)
	v.mu.Unlock()
	v.emit(visible)
}

func (v *FeedView) emit(visible []FeedItem) {
	v.listenerMu.Lock()
	listeners := slices.Clone(v.listeners)
	v.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(visible)
	}
}

func (v *FeedView) Items() []FeedItem {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.items)
}

func (v *FeedView) Visible() []FeedItem {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.visible)
}

func (v *FeedView) Filter() FeedFilter {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.filter
}

func (v *FeedView) SetFilter(f FeedFilter) {
	v.mu.Lock()
	v.filter = f
	v.mu.Unlock()
	v.refilter()
}

func (v *FeedView) SetQuery(q string) {
	v.mu.Lock()
	v.filter.Query = q
	v.mu.Unlock()
	v.refilter()
}

func (v *FeedView) SetCategory(c Category) {
	v.mu.Lock()
	v.filter.Category = c
	v.mu.Unlock()
	v.refilter()
}

func (v *FeedView) SetGroup(groupID string) {
	v.mu.Lock()
	v.filter.GroupID = groupID
	v.mu.Unlock()
	v.refilter()
}

// ItemsForUser returns every feed item authored by userID, ignoring filters.
func (v *FeedView) ItemsForUser(userID string) []FeedItem {
	return ItemsForUser(v.Items(), userID)
}

func (v *FeedView) Stats() FeedStats {
	return ComputeStats(v.Items(), v.now(), v.dir)
}
