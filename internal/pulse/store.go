package pulse

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpRemove ChangeOp = "remove"
	OpMerge  ChangeOp = "merge"
	OpLoad   ChangeOp = "load"
	OpReset  ChangeOp = "reset"
)

// ChangeEvent is emitted after every mutating store operation.
type ChangeEvent struct {
	Op       ChangeOp
	Kinds    []Kind
	LocalIDs []string
}

func (e ChangeEvent) Touches(kind Kind) bool {
	return slices.Contains(e.Kinds, kind)
}

type Observer func(ChangeEvent)

// Collections is a detached copy of the store contents.
type Collections struct {
	Statuses      []Status       `json:"statuses"`
	Tasks         []Task         `json:"tasks"`
	Notes         []Note         `json:"notes"`
	VoiceMessages []VoiceMessage `json:"voiceMessages"`
}

func (c Collections) Len() int {
	return len(c.Statuses) + len(c.Tasks) + len(c.Notes) + len(c.VoiceMessages)
}

// Records returns every record of the given kind as the Record interface.
func (c Collections) Records(kind Kind) []Record {
	switch kind {
	case KindStatus:
		return toRecords(c.Statuses)
	case KindTask:
		return toRecords(c.Tasks)
	case KindNote:
		return toRecords(c.Notes)
	case KindVoice:
		return toRecords(c.VoiceMessages)
	}
	return nil
}

// Store holds the four ordered record collections.
//
// Writers are serialized and observers run synchronously, in subscription
// order, after the data lock is released. Observers may read the store but
// must not mutate it from inside the callback.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	records map[Kind][]Record

	observerMu   sync.Mutex
	observers    []observerEntry
	nextObserver int
}

type observerEntry struct {
	id int
	fn Observer
}

func NewStore() *Store {
	return &Store{records: make(map[Kind][]Record, len(AllKinds))}
}

// Subscribe registers fn for change events and returns a function that
// removes it again.
func (s *Store) Subscribe(fn Observer) func() {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.nextObserver++
	id := s.nextObserver
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})
	return func() {
		s.observerMu.Lock()
		defer s.observerMu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(e observerEntry) bool { return e.id == id })
	}
}

func (s *Store) notify(event ChangeEvent) {
	s.observerMu.Lock()
	observers := slices.Clone(s.observers)
	s.observerMu.Unlock()
	for _, o := range observers {
		o.fn(event)
	}
}

// mutate runs fn with exclusive access to the collections and, when fn
// reports a change, delivers the event before the next writer proceeds.
func (s *Store) mutate(fn func(records map[Kind][]Record) (ChangeEvent, bool, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	event, changed, err := fn(s.records)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		s.notify(event)
	}
	return nil
}

// Insert adds rec following its kind's display convention: statuses are
// prepended, every other kind is appended.
func (s *Store) Insert(rec Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidInput)
	}
	meta := rec.Meta()
	if strings.TrimSpace(meta.LocalID) == "" {
		return fmt.Errorf("%w: record has no local id", ErrInvalidInput)
	}
	kind := rec.Kind()
	return s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		list := records[kind]
		if indexByLocalID(list, meta.LocalID) >= 0 {
			return ChangeEvent{}, false, fmt.Errorf("%w: %s %s", ErrDuplicateLocalID, kind, meta.LocalID)
		}
		if kind == KindStatus {
			list = slices.Insert(list, 0, rec.clone())
		} else {
			list = append(list, rec.clone())
		}
		records[kind] = list
		return ChangeEvent{Op: OpInsert, Kinds: []Kind{kind}, LocalIDs: []string{meta.LocalID}}, true, nil
	})
}

// Remove deletes the record with localID. Removing an absent record is a
// no-op and emits nothing.
func (s *Store) Remove(kind Kind, localID string) {
	_ = s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		list := records[kind]
		idx := indexByLocalID(list, localID)
		if idx < 0 {
			return ChangeEvent{}, false, nil
		}
		records[kind] = slices.Delete(list, idx, idx+1)
		return ChangeEvent{Op: OpRemove, Kinds: []Kind{kind}, LocalIDs: []string{localID}}, true, nil
	})
}

// Update replaces the record with localID by the result of mutator. The
// mutator must keep the record's kind and local id.
func (s *Store) Update(kind Kind, localID string, mutator func(Record) Record) error {
	return s.update(kind, localID, func(rec Record) (Record, error) { return mutator(rec), nil })
}

// update is Update with a mutator that can fail. A failing mutator leaves
// the record untouched and emits nothing.
func (s *Store) update(kind Kind, localID string, mutator func(Record) (Record, error)) error {
	return s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		list := records[kind]
		idx := indexByLocalID(list, localID)
		if idx < 0 {
			return ChangeEvent{}, false, fmt.Errorf("%w: %s %s", ErrNotFound, kind, localID)
		}
		next, err := mutator(list[idx].clone())
		if err != nil {
			return ChangeEvent{}, false, err
		}
		if next == nil || next.Kind() != kind || next.Meta().LocalID != localID {
			return ChangeEvent{}, false, fmt.Errorf("%w: mutator changed record identity", ErrInvalidInput)
		}
		list[idx] = next.clone()
		return ChangeEvent{Op: OpUpdate, Kinds: []Kind{kind}, LocalIDs: []string{localID}}, true, nil
	})
}

// Confirm replaces the pending record localID with rec, which carries the
// server id the remote assigned. A record merged under that server id while
// the create was in flight is folded into rec and dropped in the same step.
func (s *Store) Confirm(kind Kind, localID string, rec Record) error {
	if rec == nil || rec.Kind() != kind || rec.Meta().LocalID != localID {
		return fmt.Errorf("%w: confirmed record does not match %s %s", ErrInvalidInput, kind, localID)
	}
	serverID := rec.Meta().ServerID
	if serverID == "" {
		return fmt.Errorf("%w: confirmed record has no server id", ErrInvalidInput)
	}
	return s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		list := records[kind]
		idx := indexByLocalID(list, localID)
		if idx < 0 {
			return ChangeEvent{}, false, fmt.Errorf("%w: %s %s", ErrNotFound, kind, localID)
		}
		confirmed := rec.clone()
		touched := []string{localID}
		for i, cur := range list {
			if i == idx || cur.Meta().ServerID != serverID {
				continue
			}
			merged, _, err := mergeMutable(confirmed, cur)
			if err != nil {
				return ChangeEvent{}, false, err
			}
			confirmed = merged
			touched = append(touched, cur.Meta().LocalID)
		}
		next := make([]Record, 0, len(list))
		for i, cur := range list {
			switch {
			case i == idx:
				next = append(next, confirmed)
			case cur.Meta().ServerID != serverID:
				next = append(next, cur)
			}
		}
		records[kind] = next
		return ChangeEvent{Op: OpUpdate, Kinds: []Kind{kind}, LocalIDs: touched}, true, nil
	})
}

func (s *Store) Get(kind Kind, localID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[kind]
	idx := indexByLocalID(list, localID)
	if idx < 0 {
		return nil, false
	}
	return list[idx].clone(), true
}

func (s *Store) FindByServerID(kind Kind, serverID string) (Record, bool) {
	if serverID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[kind]
	idx := indexByServerID(list, serverID)
	if idx < 0 {
		return nil, false
	}
	return list[idx].clone(), true
}

func (s *Store) List(kind Kind) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[kind]
	out := make([]Record, len(list))
	for i, rec := range list {
		out[i] = rec.clone()
	}
	return out
}

func (s *Store) Len(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

func (s *Store) Statuses() []Status { return listAs[Status](s, KindStatus) }
func (s *Store) Tasks() []Task { return listAs[Task](s, KindTask) }
func (s *Store) Notes() []Note { return listAs[Note](s, KindNote) }
func (s *Store) VoiceMessages() []VoiceMessage { return listAs[VoiceMessage](s, KindVoice) }

func (s *Store) Snapshot() Collections {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Collections{
		Statuses:      fromRecords[Status](s.records[KindStatus]),
		Tasks:         fromRecords[Task](s.records[KindTask]),
		Notes:         fromRecords[Note](s.records[KindNote]),
		VoiceMessages: fromRecords[VoiceMessage](s.records[KindVoice]),
	}
}

// Load replaces every collection, used to hydrate the store at startup.
// Records are kept in the given order; duplicate local ids are rejected.
func (s *Store) Load(c Collections) error {
	next := make(map[Kind][]Record, len(AllKinds))
	for _, kind := range AllKinds {
		list := c.Records(kind)
		seen := make(map[string]struct{}, len(list))
		for i, rec := range list {
			id := rec.Meta().LocalID
			if id == "" {
				return fmt.Errorf("%w: %s record without local id", ErrInvalidInput, kind)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: %s %s", ErrDuplicateLocalID, kind, id)
			}
			seen[id] = struct{}{}
			list[i] = rec.clone()
		}
		next[kind] = list
	}
	return s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		for _, kind := range AllKinds {
			records[kind] = next[kind]
		}
		return ChangeEvent{Op: OpLoad, Kinds: slices.Clone(AllKinds)}, true, nil
	})
}

// Reset empties every collection.
func (s *Store) Reset() {
	_ = s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		for _, kind := range AllKinds {
			records[kind] = nil
		}
		return ChangeEvent{Op: OpReset, Kinds: slices.Clone(AllKinds)}, true, nil
	})
}

func updateAs[T Record](s *Store, kind Kind, localID string, fn func(*T) error) error {
	return s.update(kind, localID, func(rec Record) (Record, error) {
		typed, ok := rec.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %s %s has unexpected type", ErrInvalidInput, kind, localID)
		}
		if err := fn(&typed); err != nil {
			return nil, err
		}
		return typed, nil
	})
}

func listAs[T Record](s *Store, kind Kind) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fromRecords[T](s.records[kind])
}

func fromRecords[T Record](list []Record) []T {
	out := make([]T, 0, len(list))
	for _, rec := range list {
		if typed, ok := rec.clone().(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func toRecords[T Record](list []T) []Record {
	out := make([]Record, len(list))
	for i, rec := range list {
		out[i] = rec
	}
	return out
}

func indexByLocalID(list []Record, localID string) int {
	return slices.IndexFunc(list, func(r Record) bool { return r.Meta().LocalID == localID })
}

func indexByServerID(list []Record, serverID string) int {
	return slices.IndexFunc(list, func(r Record) bool { return r.Meta().ServerID == serverID })
}
