package pulse

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

// Persistence writes the store's view of a group through a StateBackend and
// owns the per-kind sync cursors that travel with it.
type Persistence struct {
	backend StateBackend
	store   *Store
	now     func() time.Time

	mu      sync.Mutex
	cursors map[string]map[Kind]string
	saving  map[string]*sync.Mutex
}

func NewPersistence(backend StateBackend, store *Store) *Persistence {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	return &Persistence{backend: backend, store: store, now: time.Now, cursors: map[string]map[Kind]string{}, saving: map[string]*sync.Mutex{}}
}

func (p *Persistence) Backend() StateBackend {
	return p.backend
}

// Hydrate loads groupID into the store. It reports false when the backend
// has nothing saved for the group; the store is then left empty.
func (p *Persistence) Hydrate(groupID string) (bool, error) {
	state, err := p.backend.Load(groupID)
	if err != nil {
		return false, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if state == nil {
		p.store.Reset()
		return false, nil
	}
	if err := p.store.Load(state.Records); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.cursors[groupID] = maps.Clone(state.Cursors)
	p.mu.Unlock()
	return true, nil
}

// Save writes every record of groupID currently in the store. Saves of one
// group are serialized from snapshot to commit, so a later save never loses
// to an earlier one.
func (p *Persistence) Save(groupID string) error {
	lock := p.saveLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	snap := p.store.Snapshot()
	state := &GroupState{
		GroupID: groupID,
		Records: Collections{
			Statuses:      filterGroup(snap.Statuses, groupID),
			Tasks:         filterGroup(snap.Tasks, groupID),
			Notes:         filterGroup(snap.Notes, groupID),
			VoiceMessages: filterGroup(snap.VoiceMessages, groupID),
		},
		Cursors: p.cursorsFor(groupID),
		SavedAt: p.now().UTC(),
	}
	if err := p.backend.Save(state); err != nil {
		return fmt.Errorf("save group %s: %w", groupID, err)
	}
	return nil
}

func (p *Persistence) saveLock(groupID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.saving[groupID]
	if !ok {
		lock = &sync.Mutex{}
		p.saving[groupID] = lock
	}
	return lock
}

func (p *Persistence) Cursor(groupID string, kind Kind) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[groupID][kind]
}

func (p *Persistence) SetCursor(groupID string, kind Kind, cursor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursors[groupID] == nil {
		p.cursors[groupID] = map[Kind]string{}
	}
	p.cursors[groupID][kind] = cursor
}

func (p *Persistence) cursorsFor(groupID string) map[Kind]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.cursors[groupID])
}

func filterGroup[T Record](list []T, groupID string) []T {
	out := make([]T, 0, len(list))
	for _, rec := range list {
		if rec.Meta().GroupID == groupID {
			out = append(out, rec)
		}
	}
	return out
}
