package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

const (
	SnapshotFileName    = "snapshot.json"
	LastRefreshFileName = "last_refresh.txt"

	widgetTopTasks = 3
)

// WidgetSnapshot is the one-way projection read by the widget process.
type WidgetSnapshot struct {
	GroupName   string         `json:"groupName"`
	MemberCount int            `json:"memberCount"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Members     []MemberStatus `json:"members"`
	TopTasks    []TaskSummary  `json:"topTasks"`
}

type MemberStatus struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Emoji        string     `json:"emoji"`
	StatusType   StatusType `json:"statusType"`
	LocationName string     `json:"locationName,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type TaskSummary struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

// BuildWidgetSnapshot projects the latest status per member and the first
// incomplete tasks of group.
func BuildWidgetSnapshot(group Group, c Collections, dir *Directory, now time.Time) WidgetSnapshot {
	latest := make(map[string]Status)
	for _, st := range c.Statuses {
		if st.GroupID != group.ID {
			continue
		}
		if cur, ok := latest[st.UserID]; !ok || st.CreatedAt.After(cur.CreatedAt) {
			latest[st.UserID] = st
		}
	}
	members := make([]MemberStatus, 0, len(latest))
	for userID, st := range latest {
		p := dir.Lookup(userID)
		members = append(members, MemberStatus{
			UserID:       userID,
			DisplayName:  p.DisplayName,
			Emoji:        p.Emoji,
			StatusType:   st.Type,
			LocationName: st.LocationName,
			Timestamp:    st.CreatedAt,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].Timestamp.Equal(members[j].Timestamp) {
			return members[i].Timestamp.After(members[j].Timestamp)
		}
		return members[i].UserID < members[j].UserID
	})

	tasks := make([]TaskSummary, 0, widgetTopTasks)
	for _, t := range c.Tasks {
		if len(tasks) == widgetTopTasks {
			break
		}
		if t.GroupID != group.ID || t.Completed {
			continue
		}
		tasks = append(tasks, TaskSummary{ID: t.LocalID, Title: t.Title, AssignedTo: t.AssignedTo, DueDate: cloneTime(t.DueDate)})
	}

	return WidgetSnapshot{
		GroupName:   group.Name,
		MemberCount: group.MemberCount,
		LastUpdated: now.UTC(),
		Members:     members,
		TopTasks:    tasks,
	}
}

// SnapshotWriter writes widget snapshots into a directory shared with the
// widget process.
type SnapshotWriter struct {
	Dir string
}

func (w SnapshotWriter) Write(snap WidgetSnapshot) error {
	if err := w.checkContainer(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(w.Dir, SnapshotFileName), data, 0o644); err != nil {
		return fmt.Errorf("write widget snapshot: %w", err)
	}
	stamp := []byte(snap.LastUpdated.UTC().Format(time.RFC3339Nano) + "\n")
	if err := writeFileAtomic(filepath.Join(w.Dir, LastRefreshFileName), stamp, 0o644); err != nil {
		return fmt.Errorf("write widget refresh stamp: %w", err)
	}
	return nil
}

func (w SnapshotWriter) checkContainer() error {
	if w.Dir == "" {
		return fmt.Errorf("%w: no shared directory configured", ErrContainerUnavailable)
	}
	info, err := os.Stat(w.Dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainerUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrContainerUnavailable, w.Dir)
	}
	return nil
}

// ReadWidgetSnapshot loads the snapshot written by SnapshotWriter.
func ReadWidgetSnapshot(dir string) (WidgetSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return WidgetSnapshot{}, fmt.Errorf("%w: no snapshot in %s", ErrNotFound, dir)
		}
		return WidgetSnapshot{}, err
	}
	var snap WidgetSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return WidgetSnapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrInvalidInput, err)
	}
	return snap, nil
}

type SnapshotPublisherOptions struct {
	Store     *Store
	Session   *Session
	Directory *Directory
	Writer    SnapshotWriter
	Logger    *log.Logger
	Now       func() time.Time
}

// SnapshotPublisher rewrites the widget snapshot after every store change.
// Write failures are logged and never propagated.
type SnapshotPublisher struct {
	opts        SnapshotPublisherOptions
	unsubscribe func()
}

func NewSnapshotPublisher(opts SnapshotPublisherOptions) *SnapshotPublisher {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &SnapshotPublisher{opts: opts}
	p.unsubscribe = opts.Store.Subscribe(func(ChangeEvent) { p.Publish() })
	return p
}

func (p *SnapshotPublisher) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// Publish writes a fresh snapshot and reports whether it was written.
func (p *SnapshotPublisher) Publish() bool {
	group, ok := p.opts.Session.Group()
	if !ok {
		snapshotWritesTotal.WithLabelValues(outcomeSkipped).Inc()
		return false
	}
	snap := BuildWidgetSnapshot(group, p.opts.Store.Snapshot(), p.opts.Directory, p.opts.Now())
	if err := p.opts.Writer.Write(snap); err != nil {
		outcome := outcomeError
		if errors.Is(err, ErrContainerUnavailable) {
			outcome = outcomeSkipped
		}
		snapshotWritesTotal.WithLabelValues(outcome).Inc()
		p.opts.Logger.Warn("widget snapshot skipped", "dir", p.opts.Writer.Dir, "err", err)
		return false
	}
	snapshotWritesTotal.WithLabelValues(outcomeOK).Inc()
	return true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
