package pulse

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

type MergeResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Merge reconciles a remote batch for one kind and group into the store.
//
// Records are matched by server id: a match has its mutable fields
// overwritten in place, anything else is inserted under a fresh local id.
// Pending local records are never touched. The collection is re-sorted by
// createdAt descending afterwards, and applying the same batch twice leaves
// the store as applying it once.
func (s *Store) Merge(kind Kind, groupID string, batch []Record) (MergeResult, error) {
	var result MergeResult
	incoming := make([]Record, 0, len(batch))
	positions := make(map[string]int, len(batch))
	for _, rec := range batch {
		if rec == nil || rec.Kind() != kind {
			result.Skipped++
			continue
		}
		meta := rec.Meta()
		if meta.ServerID == "" || (groupID != "" && meta.GroupID != groupID) {
			result.Skipped++
			continue
		}
		if pos, dup := positions[meta.ServerID]; dup {
			incoming[pos] = rec
			result.Skipped++
			continue
		}
		positions[meta.ServerID] = len(incoming)
		incoming = append(incoming, rec)
	}

	err := s.mutate(func(records map[Kind][]Record) (ChangeEvent, bool, error) {
		list := slices.Clone(records[kind])
		before := localIDs(list)
		var touched []string

		for _, rec := range incoming {
			if idx := indexByServerID(list, rec.Meta().ServerID); idx >= 0 {
				merged, changed, err := mergeMutable(list[idx], rec)
				if err != nil {
					return ChangeEvent{}, false, err
				}
				if changed {
					list[idx] = merged
					result.Updated++
					touched = append(touched, merged.Meta().LocalID)
				}
				continue
			}
			meta := rec.Meta()
			if meta.LocalID == "" || indexByLocalID(list, meta.LocalID) >= 0 {
				meta.LocalID = NewLocalID()
			}
			inserted := rec.withMeta(meta).clone()
			list = append(list, inserted)
			result.Inserted++
			touched = append(touched, meta.LocalID)
		}

		sortByCreatedDesc(list)
		reordered := !slices.Equal(before, localIDs(list))
		if result.Inserted == 0 && result.Updated == 0 && !reordered {
			return ChangeEvent{}, false, nil
		}
		records[kind] = list
		return ChangeEvent{Op: OpMerge, Kinds: []Kind{kind}, LocalIDs: touched}, true, nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

func sortByCreatedDesc(list []Record) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Meta().CreatedAt.After(list[j].Meta().CreatedAt)
	})
}

// mergeMutable copies the remotely mutable fields of incoming onto existing.
// Identity and creation fields stay local.
func mergeMutable(existing, incoming Record) (Record, bool, error) {
	switch cur := existing.(type) {
	case Status:
		in, ok := incoming.(Status)
		if !ok {
			break
		}
		changed := cur.Type != in.Type || cur.Trigger != in.Trigger ||
			cur.LocationName != in.LocationName ||
			!equalFloatPtr(cur.Latitude, in.Latitude) || !equalFloatPtr(cur.Longitude, in.Longitude)
		if !changed {
			return cur, false, nil
		}
		cur.Type, cur.Trigger, cur.LocationName = in.Type, in.Trigger, in.LocationName
		cur.Latitude, cur.Longitude = cloneFloat(in.Latitude), cloneFloat(in.Longitude)
		cur.UpdatedAt = laterOf(cur.UpdatedAt, in.UpdatedAt)
		return cur, true, nil
	case Task:
		in, ok := incoming.(Task)
		if !ok {
			break
		}
		changed := cur.Title != in.Title || cur.Completed != in.Completed ||
			!equalTimePtr(cur.CompletedAt, in.CompletedAt) || cur.CompletedBy != in.CompletedBy
		if !changed {
			return cur, false, nil
		}
		cur.Title, cur.Completed, cur.CompletedBy = in.Title, in.Completed, in.CompletedBy
		cur.CompletedAt = cloneTime(in.CompletedAt)
		cur.UpdatedAt = laterOf(cur.UpdatedAt, in.UpdatedAt)
		return cur, true, nil
	case Note:
		in, ok := incoming.(Note)
		if !ok {
			break
		}
		if cur.Content == in.Content && cur.NoteType == in.NoteType && cur.DrawingURL == in.DrawingURL {
			return cur, false, nil
		}
		cur.Content, cur.NoteType, cur.DrawingURL = in.Content, in.NoteType, in.DrawingURL
		cur.UpdatedAt = laterOf(cur.UpdatedAt, in.UpdatedAt)
		return cur, true, nil
	case VoiceMessage:
		in, ok := incoming.(VoiceMessage)
		if !ok {
			break
		}
		if cur.AudioURL == in.AudioURL && cur.Transcript == in.Transcript &&
			cur.TranscriptLanguage == in.TranscriptLanguage && cur.UploadState == in.UploadState {
			return cur, false, nil
		}
		cur.AudioURL, cur.Transcript = in.AudioURL, in.Transcript
		cur.TranscriptLanguage, cur.UploadState = in.TranscriptLanguage, in.UploadState
		cur.UpdatedAt = laterOf(cur.UpdatedAt, in.UpdatedAt)
		return cur, true, nil
	}
	return nil, false, fmt.Errorf("%w: cannot merge %T into %T", ErrInvalidInput, incoming, existing)
}

func localIDs(list []Record) []string {
	ids := make([]string, len(list))
	for i, rec := range list {
		ids[i] = rec.Meta().LocalID
	}
	return ids
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
