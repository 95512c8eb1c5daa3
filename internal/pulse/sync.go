package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
)

type SyncerOptions struct {
	Store       *Store
	Session     *Session
	Remote      RemoteSync
	Persistence *Persistence
	Logger      *log.Logger
	Kinds       []Kind
}

// Syncer pulls remote changes for the current group and merges them into
// the store, one kind at a time.
type Syncer struct {
	store   *Store
	session *Session
	remote  RemoteSync
	persist *Persistence
	logger  *log.Logger
	kinds   []Kind

	kindMu map[Kind]*sync.Mutex
}

func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = AllKinds
	}
	if opts.Persistence == nil {
		opts.Persistence = NewPersistence(nil, opts.Store)
	}
	kindMu := make(map[Kind]*sync.Mutex, len(AllKinds))
	for _, kind := range AllKinds {
		kindMu[kind] = &sync.Mutex{}
	}
	return &Syncer{
		store:   opts.Store,
		session: opts.Session,
		remote:  opts.Remote,
		persist: opts.Persistence,
		logger:  opts.Logger,
		kinds:   opts.Kinds,
		kindMu:  kindMu,
	}
}

type KindReport struct {
	Kind    Kind        `json:"kind"`
	Fetched int         `json:"fetched"`
	Invalid int         `json:"invalid"`
	Merge   MergeResult `json:"merge"`
	Cursor  string      `json:"cursor,omitempty"`
	Err     error       `json:"-"`
	Error   string      `json:"error,omitempty"`
}

type SyncReport struct {
	GroupID string       `json:"groupId"`
	Kinds   []KindReport `json:"kinds"`
}

// Err joins the per-kind failures of the pass.
func (r SyncReport) Err() error {
	var errs []error
	for _, k := range r.Kinds {
		if k.Err != nil {
			errs = append(errs, k.Err)
		}
	}
	return errors.Join(errs...)
}

// SyncAll runs one pass per kind. A failing kind never stops the others;
// its error is logged and recorded in the report. The returned error is
// only non-nil when there is no session to sync for.
func (s *Syncer) SyncAll(ctx context.Context) (SyncReport, error) {
	ready, err := s.session.RequireReady()
	if err != nil {
		return SyncReport{}, err
	}
	ctx, span := startSpan(ctx, "pulse.Syncer.SyncAll", attribute.String("group_id", ready.GroupID))
	report := SyncReport{GroupID: ready.GroupID, Kinds: make([]KindReport, 0, len(s.kinds))}
	for _, kind := range s.kinds {
		if err := ctx.Err(); err != nil {
			report.Kinds = append(report.Kinds, KindReport{Kind: kind, Err: err, Error: err.Error()})
			continue
		}
		kr := s.syncKind(ctx, ready, kind)
		if kr.Err != nil {
			s.logger.Warn("sync failed", "kind", kind, "group_id", ready.GroupID, "err", kr.Err)
		} else {
			s.logger.Debug("sync merged", "kind", kind, "fetched", kr.Fetched,
				"inserted", kr.Merge.Inserted, "updated", kr.Merge.Updated)
		}
		report.Kinds = append(report.Kinds, kr)
	}
	endSpan(span, report.Err())
	return report, nil
}

// SyncKind runs a single pass for kind, for example in response to a
// realtime change notification.
func (s *Syncer) SyncKind(ctx context.Context, kind Kind) (KindReport, error) {
	ready, err := s.session.RequireReady()
	if err != nil {
		return KindReport{}, err
	}
	if _, ok := s.kindMu[kind]; !ok {
		return KindReport{}, fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, kind)
	}
	kr := s.syncKind(ctx, ready, kind)
	return kr, kr.Err
}

func (s *Syncer) syncKind(ctx context.Context, ready Ready, kind Kind) (kr KindReport) {
	mu := s.kindMu[kind]
	mu.Lock()
	defer mu.Unlock()

	kr.Kind = kind
	defer func() {
		outcome := outcomeOK
		if kr.Err != nil {
			kr.Error = kr.Err.Error()
			outcome = outcomeError
		}
		syncRunsTotal.WithLabelValues(string(kind), outcome).Inc()
	}()
	if s.remote == nil {
		kr.Err = fmt.Errorf("%w: sync %s: no remote configured", ErrRemoteSyncFailed, kind)
		return kr
	}

	ctx, span := startSpan(ctx, "pulse.Syncer.syncKind",
		attribute.String("kind", string(kind)), attribute.String("group_id", ready.GroupID))
	cursor := s.persist.Cursor(ready.GroupID, kind)
	result, err := s.remote.FetchRecords(ctx, kind, ready.GroupID, cursor)
	endSpan(span, err)
	if err != nil {
		kr.Err = &RemoteSyncError{Kind: kind, Op: "fetch", Err: err}
		return kr
	}
	kr.Fetched = len(result.Records)

	batch := make([]Record, 0, len(result.Records))
	for _, rr := range result.Records {
		if rr.GroupID == "" {
			rr.GroupID = ready.GroupID
		}
		if err := ValidatePayload(kind, rr.Payload); err != nil {
			kr.Invalid++
			s.logger.Warn("skipping invalid remote record", "kind", kind, "server_id", rr.ServerID, "err", err)
			continue
		}
		rec, err := DecodeRemoteRecord(kind, rr)
		if err != nil {
			kr.Invalid++
			s.logger.Warn("skipping undecodable remote record", "kind", kind, "server_id", rr.ServerID, "err", err)
			continue
		}
		batch = append(batch, rec)
	}

	merged, err := s.store.Merge(kind, ready.GroupID, batch)
	if err != nil {
		kr.Err = fmt.Errorf("merge %s: %w", kind, err)
		return kr
	}
	kr.Merge = merged
	mergeRecordsTotal.WithLabelValues(string(kind), "inserted").Add(float64(merged.Inserted))
	mergeRecordsTotal.WithLabelValues(string(kind), "updated").Add(float64(merged.Updated))
	mergeRecordsTotal.WithLabelValues(string(kind), "skipped").Add(float64(merged.Skipped + kr.Invalid))

	if result.NextCursor != "" {
		s.persist.SetCursor(ready.GroupID, kind, result.NextCursor)
	}
	kr.Cursor = s.persist.Cursor(ready.GroupID, kind)
	if err := s.persist.Save(ready.GroupID); err != nil {
		kr.Err = err
	}
	return kr
}
