package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

var errRemoteDown = errors.New("remote down")

type createCall struct {
	kind    Kind
	groupID string
	rec     Record
}

type updateCall struct {
	kind     Kind
	serverID string
	rec      Record
}

type fakeRemote struct {
	mu        sync.Mutex
	counters  map[Kind]int
	createErr error
	updateErr error
	fetchErr  map[Kind]error
	fetch     map[Kind]FetchResult
	cursors   map[Kind][]string
	creates   []createCall
	updates   []updateCall

	// onCreate runs while a create call is in flight.
	onCreate func(Record)
	// updateGate, when set, blocks UpdateRecord until a value is received.
	updateGate  chan struct{}
	inFlight    int
	maxInFlight int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		counters: map[Kind]int{},
		fetchErr: map[Kind]error{},
		fetch:    map[Kind]FetchResult{},
		cursors:  map[Kind][]string{},
	}
}

var serverIDPrefix = map[Kind]string{KindStatus: "S", KindTask: "T", KindNote: "N", KindVoice: "V"}

func (f *fakeRemote) CreateRecord(_ context.Context, kind Kind, groupID string, rec Record) (string, error) {
	if f.onCreate != nil {
		f.onCreate(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{kind: kind, groupID: groupID, rec: rec})
	if f.createErr != nil {
		return "", f.createErr
	}
	f.counters[kind]++
	return fmt.Sprintf("%s-%d", serverIDPrefix[kind], f.counters[kind]), nil
}

func (f *fakeRemote) UpdateRecord(_ context.Context, kind Kind, serverID string, rec Record) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.updateGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.updates = append(f.updates, updateCall{kind: kind, serverID: serverID, rec: rec})
	return f.updateErr
}

func (f *fakeRemote) FetchRecords(_ context.Context, kind Kind, _ string, sinceCursor string) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[kind] = append(f.cursors[kind], sinceCursor)
	if err := f.fetchErr[kind]; err != nil {
		return FetchResult{}, err
	}
	return f.fetch[kind], nil
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type fakeUploader struct {
	url   string
	err   error
	calls int
}

func (u *fakeUploader) UploadAudio(_ context.Context, _, localID, _ string) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return u.url + "/" + localID, nil
}

var testEpoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return testEpoch.Add(time.Duration(minutes) * time.Minute)
}

func ptrTime(t time.Time) *time.Time { return &t }

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

type testHarness struct {
	store   *Store
	session *Session
	remote  *fakeRemote
	backend *InMemoryStateBackend
	persist *Persistence
	coord   *Coordinator
	syncer  *Syncer
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	return newHarnessWithBackend(t, NewInMemoryStateBackend())
}

// newHarnessWithBackend builds a harness persisting through backend. The
// backend field is only set for in-memory backends.
func newHarnessWithBackend(t *testing.T, backend StateBackend) *testHarness {
	t.Helper()
	h := &testHarness{
		store:   NewStore(),
		session: NewSession(),
		remote:  newFakeRemote(),
	}
	if mem, ok := backend.(*InMemoryStateBackend); ok {
		h.backend = mem
	}
	if err := h.session.SignIn(Profile{UserID: "u-alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if err := h.session.JoinGroup(Group{ID: "g-1", Name: "Home", MemberCount: 3}); err != nil {
		t.Fatalf("join group failed: %v", err)
	}
	h.persist = NewPersistence(backend, h.store)
	var clockMu sync.Mutex
	clock := testEpoch
	h.coord = NewCoordinator(CoordinatorOptions{
		Store:       h.store,
		Session:     h.session,
		Remote:      h.remote,
		Persistence: h.persist,
		Logger:      quietLogger(),
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	h.syncer = NewSyncer(SyncerOptions{
		Store:       h.store,
		Session:     h.session,
		Remote:      h.remote,
		Persistence: h.persist,
		Logger:      quietLogger(),
	})
	return h
}

func mustRemoteRecord(t *testing.T, rec Record) RemoteRecord {
	t.Helper()
	rr, err := ToRemoteRecord(rec)
	if err != nil {
		t.Fatalf("encode remote record failed: %v", err)
	}
	return rr
}
