package widget

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	Dir string
	// Refresh re-renders on a timer even without file changes so relative
	// times keep moving. Zero disables the timer.
	Refresh    time.Duration
	StaleAfter time.Duration
	// Debounce collapses the burst of events an atomic rename produces.
	Debounce time.Duration
	OnEntry  func(Entry)
	Logger   *log.Logger
	Now      func() time.Time
}

type Watcher struct {
	opts WatcherOptions
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{opts: opts}
}

// Run emits the current entry, then a fresh one whenever the snapshot file
// changes or the refresh timer fires, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}

	w.emit()

	var refresh <-chan time.Time
	if w.opts.Refresh > 0 {
		ticker := time.NewTicker(w.opts.Refresh)
		defer ticker.Stop()
		refresh = ticker.C
	}
	debounce := time.NewTimer(w.opts.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isSnapshotEvent(ev) {
				continue
			}
			debounce.Reset(w.opts.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("snapshot watch error", "dir", w.opts.Dir, "err", err)
		case <-debounce.C:
			w.emit()
		case <-refresh:
			w.emit()
		}
	}
}

func (w *Watcher) emit() {
	entry, err := Load(w.opts.Dir, w.opts.Now(), w.opts.StaleAfter)
	if err != nil {
		w.opts.Logger.Warn("load widget snapshot", "dir", w.opts.Dir, "err", err)
		return
	}
	if w.opts.OnEntry != nil {
		w.opts.OnEntry(entry)
	}
}

func isSnapshotEvent(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != pulse.SnapshotFileName {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}
