package pulse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
)

type CoordinatorOptions struct {
	Store       *Store
	Session     *Session
	Remote      RemoteSync
	Uploader    AudioUploader
	Persistence *Persistence
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

// Coordinator applies every user mutation optimistically: the record is
// written locally and persisted, the remote call is made, and the local
// write is either confirmed or rolled back before the call returns.
type Coordinator struct {
	store    *Store
	session  *Session
	remote   RemoteSync
	uploader AudioUploader
	persist  *Persistence
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
	locks    *recordLocks
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Session == nil {
		opts.Session = NewSession()
	}
	if opts.Persistence == nil {
		opts.Persistence = NewPersistence(nil, opts.Store)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewLocalID
	}
	return &Coordinator{
		store:    opts.Store,
		session:  opts.Session,
		remote:   opts.Remote,
		uploader: opts.Uploader,
		persist:  opts.Persistence,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
		locks:    newRecordLocks(),
	}
}

type CheckInRequest struct {
	Type         StatusType
	Trigger      TriggerType
	LocationName string
	Latitude     *float64
	Longitude    *float64
}

// CheckIn records a status. An automated trigger while manual-only mode is
// on is dropped before anything is written: the result is a zero Status,
// false and no error.
func (c *Coordinator) CheckIn(ctx context.Context, req CheckInRequest) (Status, bool, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return Status{}, false, err
	}
	if _, err := ParseStatusType(string(req.Type)); err != nil {
		return Status{}, false, err
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Trigger.Automated() && c.session.ManualOnly() {
		checkinsSuppressedTotal.Inc()
		c.logger.Debug("automated check-in suppressed", "trigger", req.Trigger, "status", req.Type)
		return Status{}, false, nil
	}
	rec := Status{
		RecordMeta:   c.newMeta(ready),
		Type:         req.Type,
		Trigger:      req.Trigger,
		LocationName: strings.TrimSpace(req.LocationName),
		Latitude:     cloneFloat(req.Latitude),
		Longitude:    cloneFloat(req.Longitude),
	}
	out, err := c.create(ctx, rec, nil)
	if err != nil {
		return Status{}, false, err
	}
	return out.(Status), true, nil
}

type TaskDraft struct {
	Title      string
	AssignedTo string
	DueDate    *time.Time
}

func (c *Coordinator) AddTask(ctx context.Context, draft TaskDraft) (Task, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return Task{}, err
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return Task{}, fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	rec := Task{
		RecordMeta: c.newMeta(ready),
		Title:      title,
		AssignedTo: strings.TrimSpace(draft.AssignedTo),
		DueDate:    cloneTime(draft.DueDate),
	}
	out, err := c.create(ctx, rec, nil)
	if err != nil {
		return Task{}, err
	}
	return out.(Task), nil
}

// ToggleTask flips a task's completion. If the remote update fails the task
// is toggled back.
func (c *Coordinator) ToggleTask(ctx context.Context, localID string) (Task, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return Task{}, err
	}
	apply := func(rec Record) (Record, error) {
		t := rec.(Task)
		t.Toggle(ready.UserID, c.now())
		return t, nil
	}
	rollback := func(current, before Record) Record {
		t, prior := current.(Task), before.(Task)
		t.Toggle(ready.UserID, c.now())
		// Toggle stamps the current time; carry the prior bookkeeping back
		// once the flag is restored.
		if t.Completed == prior.Completed {
			t.CompletedAt = cloneTime(prior.CompletedAt)
			t.CompletedBy = prior.CompletedBy
			t.UpdatedAt = prior.UpdatedAt
		}
		return t
	}
	out, err := c.update(ctx, ready, KindTask, localID, "toggle", apply, rollback)
	if err != nil {
		return Task{}, err
	}
	return out.(Task), nil
}

type NoteDraft struct {
	Content    string
	NoteType   NoteType
	DrawingURL string
}

func (c *Coordinator) AddNote(ctx context.Context, draft NoteDraft) (Note, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return Note{}, err
	}
	if draft.NoteType == "" {
		draft.NoteType = NoteText
	}
	content := strings.TrimSpace(draft.Content)
	switch draft.NoteType {
	case NoteText:
		if content == "" {
			return Note{}, fmt.Errorf("%w: note content is required", ErrInvalidInput)
		}
	case NoteDrawing:
		if strings.TrimSpace(draft.DrawingURL) == "" && content == "" {
			return Note{}, fmt.Errorf("%w: drawing note needs a drawing url", ErrInvalidInput)
		}
	default:
		return Note{}, fmt.Errorf("%w: unknown note type %q", ErrInvalidInput, draft.NoteType)
	}
	rec := Note{
		RecordMeta: c.newMeta(ready),
		Content:    content,
		NoteType:   draft.NoteType,
		DrawingURL: strings.TrimSpace(draft.DrawingURL),
	}
	out, err := c.create(ctx, rec, nil)
	if err != nil {
		return Note{}, err
	}
	return out.(Note), nil
}

type VoiceDraft struct {
	LocalFilePath      string
	DurationSeconds    float64
	Transcript         string
	TranscriptLanguage string
	RecipientIDs       []string
}

// SendVoiceMessage inserts the message as pending, uploads the audio when an
// uploader is configured, then creates the remote record. Any failure along
// the way removes the message again, together with its recording.
func (c *Coordinator) SendVoiceMessage(ctx context.Context, draft VoiceDraft) (VoiceMessage, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return VoiceMessage{}, err
	}
	if draft.DurationSeconds < 0 {
		return VoiceMessage{}, fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}
	rec := VoiceMessage{
		RecordMeta:         c.newMeta(ready),
		RecipientIDs:       append([]string(nil), draft.RecipientIDs...),
		LocalFilePath:      strings.TrimSpace(draft.LocalFilePath),
		DurationSeconds:    draft.DurationSeconds,
		Transcript:         strings.TrimSpace(draft.Transcript),
		TranscriptLanguage: draft.TranscriptLanguage,
		UploadState:        UploadPending,
	}
	upload := func(ctx context.Context, rec Record) (Record, error) {
		v := rec.(VoiceMessage)
		if err := updateAs(c.store, KindVoice, v.LocalID, func(m *VoiceMessage) error {
			m.UploadState = UploadUploading
			return nil
		}); err != nil {
			return nil, err
		}
		v.UploadState = UploadUploading
		if c.uploader != nil && v.LocalFilePath != "" {
			ctx, span := startSpan(ctx, "pulse.Coordinator.uploadAudio",
				attribute.String("local_id", v.LocalID), attribute.String("group_id", v.GroupID))
			url, err := c.uploader.UploadAudio(ctx, v.GroupID, v.LocalID, v.LocalFilePath)
			endSpan(span, err)
			if err != nil {
				return nil, &RemoteSyncError{Kind: KindVoice, Op: "upload", LocalID: v.LocalID, Err: err}
			}
			v.AudioURL = url
		}
		v.UploadState = UploadCompleted
		return v, nil
	}
	out, err := c.create(ctx, rec, upload)
	if err != nil {
		c.removeRecording(rec.LocalFilePath)
		return VoiceMessage{}, err
	}
	return out.(VoiceMessage), nil
}

// MarkVoicePlayed marks a message as played. Rollback restores the message
// as it was before the call.
func (c *Coordinator) MarkVoicePlayed(ctx context.Context, localID string) (VoiceMessage, error) {
	ready, err := c.session.RequireReady()
	if err != nil {
		return VoiceMessage{}, err
	}
	apply := func(rec Record) (Record, error) {
		v := rec.(VoiceMessage)
		now := c.now()
		v.Played = true
		v.PlayedAt = &now
		v.UpdatedAt = now
		return v, nil
	}
	restore := func(_, before Record) Record { return before }
	out, err := c.update(ctx, ready, KindVoice, localID, "mark_played", apply, restore)
	if err != nil {
		return VoiceMessage{}, err
	}
	return out.(VoiceMessage), nil
}

// DeleteVoiceMessage removes a message locally along with its recorded audio
// file. The remote copy is left alone.
func (c *Coordinator) DeleteVoiceMessage(ctx context.Context, localID string) error {
	ready, err := c.session.RequireReady()
	if err != nil {
		return err
	}
	unlock := c.locks.lock(localID)
	defer unlock()

	rec, ok := c.store.Get(KindVoice, localID)
	if !ok || rec.Meta().GroupID != ready.GroupID {
		return nil
	}
	c.store.Remove(KindVoice, localID)
	if err := c.persist.Save(ready.GroupID); err != nil {
		_ = c.store.Insert(rec)
		mutationsTotal.WithLabelValues(string(KindVoice), "delete", outcomeError).Inc()
		return err
	}
	c.removeRecording(rec.(VoiceMessage).LocalFilePath)
	mutationsTotal.WithLabelValues(string(KindVoice), "delete", outcomeOK).Inc()
	return nil
}

// removeRecording deletes a message's local audio file. A message owns its
// recording, so the file goes whenever the message does.
func (c *Coordinator) removeRecording(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove voice recording", "path", path, "err", err)
	}
}

func (c *Coordinator) newMeta(ready Ready) RecordMeta {
	now := c.now()
	return RecordMeta{
		LocalID:   c.newID(),
		GroupID:   ready.GroupID,
		UserID:    ready.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// prepareFunc runs between the optimistic insert and the remote create. It
// returns the record to send.
type prepareFunc func(ctx context.Context, rec Record) (Record, error)

func (c *Coordinator) create(ctx context.Context, rec Record, prepare prepareFunc) (Record, error) {
	kind := rec.Kind()
	meta := rec.Meta()
	unlock := c.locks.lock(meta.LocalID)
	defer unlock()

	if err := c.store.Insert(rec); err != nil {
		return nil, err
	}
	if err := c.persist.Save(meta.GroupID); err != nil {
		c.store.Remove(kind, meta.LocalID)
		mutationsTotal.WithLabelValues(string(kind), "create", outcomeError).Inc()
		return nil, err
	}

	send := rec
	var err error
	if prepare != nil {
		send, err = prepare(ctx, rec)
	}
	var serverID string
	if err == nil {
		serverID, err = c.remoteCreate(ctx, send)
	}
	if err != nil {
		c.store.Remove(kind, meta.LocalID)
		c.saveLogged(meta.GroupID)
		mutationsTotal.WithLabelValues(string(kind), "create", outcomeRolledBack).Inc()
		c.logger.Warn("create rolled back", "kind", kind, "local_id", meta.LocalID, "err", err)
		var syncErr *RemoteSyncError
		if errors.As(err, &syncErr) {
			return nil, syncErr
		}
		return nil, &RemoteSyncError{Kind: kind, Op: "create", LocalID: meta.LocalID, Err: err}
	}

	confirmedMeta := send.Meta()
	confirmedMeta.ServerID = serverID
	confirmed := send.withMeta(confirmedMeta)
	if err := c.store.Confirm(kind, meta.LocalID, confirmed); err != nil {
		// The store was reset underneath us, for example by a sign-out.
		return nil, err
	}
	c.saveLogged(meta.GroupID)
	mutationsTotal.WithLabelValues(string(kind), "create", outcomeOK).Inc()
	c.logger.Debug("create confirmed", "kind", kind, "local_id", meta.LocalID, "server_id", serverID)
	out, _ := c.store.Get(kind, meta.LocalID)
	return out, nil
}

func (c *Coordinator) remoteCreate(ctx context.Context, rec Record) (string, error) {
	if c.remote == nil {
		return "", errors.New("no remote configured")
	}
	meta := rec.Meta()
	ctx, span := startSpan(ctx, "pulse.Coordinator.create",
		attribute.String("kind", string(rec.Kind())),
		attribute.String("local_id", meta.LocalID),
		attribute.String("group_id", meta.GroupID))
	serverID, err := c.remote.CreateRecord(ctx, rec.Kind(), meta.GroupID, rec)
	if err == nil && strings.TrimSpace(serverID) == "" {
		err = errors.New("remote returned an empty server id")
	}
	endSpan(span, err)
	return serverID, err
}

type applyFunc func(Record) (Record, error)
type rollbackFunc func(current, before Record) Record

func (c *Coordinator) update(ctx context.Context, ready Ready, kind Kind, localID, op string, apply applyFunc, rollback rollbackFunc) (Record, error) {
	unlock := c.locks.lock(localID)
	defer unlock()

	before, ok := c.store.Get(kind, localID)
	if !ok || before.Meta().GroupID != ready.GroupID {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, localID)
	}
	next, err := apply(before.clone())
	if err != nil {
		return nil, err
	}
	if err := c.store.Update(kind, localID, func(Record) Record { return next }); err != nil {
		return nil, err
	}
	if err := c.persist.Save(ready.GroupID); err != nil {
		_ = c.store.Update(kind, localID, func(Record) Record { return before })
		mutationsTotal.WithLabelValues(string(kind), op, outcomeError).Inc()
		return nil, err
	}

	serverID := next.Meta().ServerID
	if serverID == "" {
		// Never synced; there is no remote copy to update yet.
		mutationsTotal.WithLabelValues(string(kind), op, outcomeOK).Inc()
		return next, nil
	}

	err = c.remoteUpdate(ctx, kind, serverID, next)
	if err != nil {
		_ = c.store.Update(kind, localID, func(current Record) Record { return rollback(current, before) })
		c.saveLogged(ready.GroupID)
		mutationsTotal.WithLabelValues(string(kind), op, outcomeRolledBack).Inc()
		c.logger.Warn("update rolled back", "kind", kind, "op", op, "local_id", localID, "err", err)
		return nil, &RemoteSyncError{Kind: kind, Op: op, LocalID: localID, Err: err}
	}
	mutationsTotal.WithLabelValues(string(kind), op, outcomeOK).Inc()
	out, _ := c.store.Get(kind, localID)
	return out, nil
}

func (c *Coordinator) remoteUpdate(ctx context.Context, kind Kind, serverID string, rec Record) error {
	if c.remote == nil {
		return errors.New("no remote configured")
	}
	ctx, span := startSpan(ctx, "pulse.Coordinator.update",
		attribute.String("kind", string(kind)),
		attribute.String("server_id", serverID))
	err := c.remote.UpdateRecord(ctx, kind, serverID, rec)
	endSpan(span, err)
	return err
}

func (c *Coordinator) saveLogged(groupID string) {
	if err := c.persist.Save(groupID); err != nil {
		c.logger.Error("persist group state", "group_id", groupID, "err", err)
	}
}
