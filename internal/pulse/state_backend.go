package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GroupState is the durable copy of one group's records and sync cursors.
type GroupState struct {
	GroupID string          `json:"groupId"`
	Records Collections     `json:"records"`
	Cursors map[Kind]string `json:"cursors,omitempty"`
	SavedAt time.Time       `json:"savedAt"`
}

func (g *GroupState) Cursor(kind Kind) string {
	if g == nil || g.Cursors == nil {
		return ""
	}
	return g.Cursors[kind]
}

// StateBackend persists group state. Load returns nil, nil for a group that
// has never been saved.
type StateBackend interface {
	Load(groupID string) (*GroupState, error)
	Save(state *GroupState) error
}

func cloneGroupState(state *GroupState) (*GroupState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone GroupState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type InMemoryStateBackend struct {
	mu     sync.Mutex
	groups map[string]*GroupState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{groups: map[string]*GroupState{}}
}

func (b *InMemoryStateBackend) Load(groupID string) (*GroupState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.groups[groupID]
	if !ok {
		return nil, nil
	}
	return cloneGroupState(state)
}

func (b *InMemoryStateBackend) Save(state *GroupState) error {
	if b == nil || state == nil {
		return nil
	}
	if strings.TrimSpace(state.GroupID) == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	clone, err := cloneGroupState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[state.GroupID] = clone
	return nil
}

// JSONFileStateBackend keeps every group in one JSON document. Access from
// several processes is serialized with an advisory lock on Path+".lock".
type JSONFileStateBackend struct {
	Path string

	mu sync.Mutex
}

type jsonStateFile struct {
	Version int                    `json:"version"`
	Groups  map[string]*GroupState `json:"groups"`
}

const jsonStateFileVersion = 1

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load(groupID string) (*GroupState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	unlock, err := lockFile(b.Path+".lock", false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	return doc.Groups[groupID], nil
}

func (b *JSONFileStateBackend) Save(state *GroupState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	if strings.TrimSpace(state.GroupID) == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	unlock, err := lockFile(b.Path+".lock", true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := b.read()
	if err != nil {
		return err
	}
	doc.Groups[state.GroupID] = state
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *JSONFileStateBackend) read() (*jsonStateFile, error) {
	doc := &jsonStateFile{Version: jsonStateFileVersion, Groups: map[string]*GroupState{}}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", b.Path, err)
	}
	if doc.Groups == nil {
		doc.Groups = map[string]*GroupState{}
	}
	return doc, nil
}
