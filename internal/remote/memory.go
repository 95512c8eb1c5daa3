package remote

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

// Change describes a write accepted by Memory. Op follows the realtime
// vocabulary: INSERT or UPDATE.
type Change struct {
	GroupID  string     `json:"groupId"`
	Kind     pulse.Kind `json:"kind"`
	Op       string     `json:"op"`
	ServerID string     `json:"serverId"`
}

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

type memoryRecord struct {
	rec pulse.RemoteRecord
	seq uint64
}

// Memory is an in-process group backend. Cursors are decimal sequence
// numbers; a fetch returns every record written after the cursor.
type Memory struct {
	mu       sync.Mutex
	seq      uint64
	counters map[pulse.Kind]int
	records  map[pulse.Kind][]*memoryRecord
	audio    map[string][]byte
	now      func() time.Time
	watchers map[int]func(Change)
	nextID   int

	// AudioBaseURL prefixes the URLs returned by UploadAudio.
	AudioBaseURL string
}

var (
	_ pulse.RemoteSync    = (*Memory)(nil)
	_ pulse.AudioUploader = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		counters:     map[pulse.Kind]int{},
		records:      map[pulse.Kind][]*memoryRecord{},
		audio:        map[string][]byte{},
		now:          time.Now,
		watchers:     map[int]func(Change){},
		AudioBaseURL: "memory://audio",
	}
}

// Watch registers fn for every accepted write. fn runs after the write is
// visible to FetchRecords and must not call back into Memory synchronously.
func (m *Memory) Watch(fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

func (m *Memory) CreateRecord(ctx context.Context, kind pulse.Kind, groupID string, rec pulse.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rr, err := pulse.ToRemoteRecord(rec)
	if err != nil {
		return "", err
	}
	if err := pulse.ValidatePayload(kind, rr.Payload); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.counters[kind]++
	m.seq++
	rr.ServerID = fmt.Sprintf("%s_%d", kind, m.counters[kind])
	rr.GroupID = groupID
	rr.UpdatedAt = m.now().UTC()
	m.records[kind] = append(m.records[kind], &memoryRecord{rec: rr, seq: m.seq})
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	notify(watchers, Change{GroupID: groupID, Kind: kind, Op: OpInsert, ServerID: rr.ServerID})
	return rr.ServerID, nil
}

func (m *Memory) UpdateRecord(ctx context.Context, kind pulse.Kind, serverID string, rec pulse.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rr, err := pulse.ToRemoteRecord(rec)
	if err != nil {
		return err
	}
	if err := pulse.ValidatePayload(kind, rr.Payload); err != nil {
		return err
	}
	m.mu.Lock()
	var target *memoryRecord
	for _, r := range m.records[kind] {
		if r.rec.ServerID == serverID {
			target = r
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s", pulse.ErrNotFound, kind, serverID)
	}
	m.seq++
	target.seq = m.seq
	target.rec.Payload = rr.Payload
	target.rec.UpdatedAt = m.now().UTC()
	change := Change{GroupID: target.rec.GroupID, Kind: kind, Op: OpUpdate, ServerID: serverID}
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	notify(watchers, change)
	return nil
}

func (m *Memory) FetchRecords(ctx context.Context, kind pulse.Kind, groupID, sinceCursor string) (pulse.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return pulse.FetchResult{}, err
	}
	var since uint64
	if s := strings.TrimSpace(sinceCursor); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return pulse.FetchResult{}, fmt.Errorf("%w: bad cursor %q", pulse.ErrInvalidInput, sinceCursor)
		}
		since = n
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := pulse.FetchResult{Records: []pulse.RemoteRecord{}}
	high := since
	for _, r := range m.records[kind] {
		if r.rec.GroupID != groupID || r.seq <= since {
			continue
		}
		out.Records = append(out.Records, r.rec)
		high = max(high, r.seq)
	}
	if high > 0 {
		out.NextCursor = strconv.FormatUint(high, 10)
	}
	return out, nil
}

func (m *Memory) UploadAudio(ctx context.Context, groupID, localID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	return m.StoreAudio(ctx, groupID, localID, data)
}

// StoreAudio keeps data under groupID/localID and returns its URL.
func (m *Memory) StoreAudio(ctx context.Context, groupID, localID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(localID) == "" {
		return "", fmt.Errorf("%w: group and local id are required", pulse.ErrInvalidInput)
	}
	key := groupID + "/" + localID
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[key] = append([]byte(nil), data...)
	return strings.TrimRight(m.AudioBaseURL, "/") + "/" + key, nil
}

func (m *Memory) Audio(groupID, localID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.audio[groupID+"/"+localID]
	return data, ok
}

func (m *Memory) snapshotWatchers() []func(Change) {
	out := make([]func(Change), 0, len(m.watchers))
	for _, fn := range m.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(Change), change Change) {
	for _, fn := range watchers {
		fn(change)
	}
}
