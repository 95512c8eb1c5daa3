package pulse

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

type ClientOptions struct {
	Backend  StateBackend
	Remote   RemoteSync
	Uploader AudioUploader
	// SnapshotDir is the directory shared with the widget process. Empty
	// disables the widget mirror.
	SnapshotDir string
	Logger      *log.Logger
	Now         func() time.Time
}

// Client wires the store, session, coordinator, syncer, feed view and widget
// publisher for one signed-in device. It is constructed once at start-up and
// closed at shutdown.
type Client struct {
	Store       *Store
	Session     *Session
	Directory   *Directory
	Persistence *Persistence
	Coordinator *Coordinator
	Syncer      *Syncer
	Feed        *FeedView

	snapshots *SnapshotPublisher
	logger    *log.Logger
}

func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Uploader == nil {
		if uploader, ok := opts.Remote.(AudioUploader); ok {
			opts.Uploader = uploader
		}
	}
	store := NewStore()
	session := NewSession()
	dir := NewDirectory()
	persist := NewPersistence(opts.Backend, store)
	persist.now = opts.Now

	c := &Client{
		Store:       store,
		Session:     session,
		Directory:   dir,
		Persistence: persist,
		Coordinator: NewCoordinator(CoordinatorOptions{
			Store:       store,
			Session:     session,
			Remote:      opts.Remote,
			Uploader:    opts.Uploader,
			Persistence: persist,
			Logger:      opts.Logger.WithPrefix("coordinator"),
			Now:         opts.Now,
		}),
		Syncer: NewSyncer(SyncerOptions{
			Store:       store,
			Session:     session,
			Remote:      opts.Remote,
			Persistence: persist,
			Logger:      opts.Logger.WithPrefix("sync"),
		}),
		Feed:   NewFeedView(store, dir, FeedFilter{}),
		logger: opts.Logger,
	}
	c.Feed.now = opts.Now
	if opts.SnapshotDir != "" {
		c.snapshots = NewSnapshotPublisher(SnapshotPublisherOptions{
			Store:     store,
			Session:   session,
			Directory: dir,
			Writer:    SnapshotWriter{Dir: opts.SnapshotDir},
			Logger:    opts.Logger.WithPrefix("widget"),
			Now:       opts.Now,
		})
	}
	return c
}

// Open signs profile in, joins group and hydrates the store from the
// backend. Members are added to the directory so the feed can name them.
func (c *Client) Open(profile Profile, group Group, members ...Profile) error {
	if err := c.Session.SignIn(profile); err != nil {
		return err
	}
	if err := c.Session.JoinGroup(group); err != nil {
		return err
	}
	c.Directory.Put(profile)
	for _, m := range members {
		c.Directory.Put(m)
	}
	c.Feed.SetGroup(group.ID)
	found, err := c.Persistence.Hydrate(group.ID)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	c.logger.Info("session ready", "user_id", profile.UserID, "group_id", group.ID, "hydrated", found,
		"records", c.Store.Snapshot().Len())
	return nil
}

// SignOut clears the session and every local collection.
func (c *Client) SignOut() {
	c.Session.SignOut()
	c.Store.Reset()
	c.Feed.SetGroup("")
}

// PublishSnapshot forces a widget snapshot write. It reports false when the
// mirror is disabled or the write was skipped.
func (c *Client) PublishSnapshot() bool {
	if c.snapshots == nil {
		return false
	}
	return c.snapshots.Publish()
}

func (c *Client) Close() error {
	c.Feed.Close()
	if c.snapshots != nil {
		c.snapshots.Close()
	}
	if closer, ok := c.Persistence.Backend().(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
