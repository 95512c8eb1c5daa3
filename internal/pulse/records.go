package pulse

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindStatus Kind = "status"
	KindTask   Kind = "task"
	KindNote   Kind = "note"
	KindVoice  Kind = "voice"
)

// AllKinds is ordered by feed tie-break priority.
var AllKinds = []Kind{KindStatus, KindTask, KindNote, KindVoice}

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindStatus, KindTask, KindNote, KindVoice:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, raw)
}

func kindPriority(k Kind) int {
	for i, candidate := range AllKinds {
		if candidate == k {
			return i
		}
	}
	return len(AllKinds)
}

type StatusType string

const (
	StatusArrived  StatusType = "arrived"
	StatusLeaving  StatusType = "leaving"
	StatusOnTheWay StatusType = "on_the_way"
	StatusPulse    StatusType = "pulse"
)

func ParseStatusType(raw string) (StatusType, error) {
	switch s := StatusType(strings.TrimSpace(raw)); s {
	case StatusArrived, StatusLeaving, StatusOnTheWay, StatusPulse:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status type %q", ErrInvalidInput, raw)
}

func (s StatusType) DisplayName() string {
	switch s {
	case StatusArrived:
		return "Arrived"
	case StatusLeaving:
		return "Leaving"
	case StatusOnTheWay:
		return "On the way"
	case StatusPulse:
		return "Pulse"
	}
	return string(s)
}

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerBluetooth TriggerType = "bluetooth"
	TriggerGeofence  TriggerType = "geofence"
	TriggerHourly    TriggerType = "hourly"
)

func ParseTriggerType(raw string) (TriggerType, error) {
	switch t := TriggerType(strings.TrimSpace(raw)); t {
	case "":
		return TriggerManual, nil
	case TriggerManual, TriggerBluetooth, TriggerGeofence, TriggerHourly:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown trigger type %q", ErrInvalidInput, raw)
}

// Automated reports whether the trigger is subject to manual-only suppression.
func (t TriggerType) Automated() bool {
	return t != TriggerManual && t != ""
}

type NoteType string

const (
	NoteText    NoteType = "text"
	NoteDrawing NoteType = "drawing"
)

// UploadState tracks a voice message's audio upload. This client removes a
// message whose upload fails, so it never writes UploadFailed itself; the
// value is still accepted from other clients' records.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadCompleted UploadState = "completed"
	UploadFailed    UploadState = "failed"
)

// RecordMeta is the identity and scoping shared by every record kind.
// An empty ServerID marks the record as pending.
type RecordMeta struct {
	LocalID   string    `json:"localId"`
	ServerID  string    `json:"serverId,omitempty"`
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m RecordMeta) Pending() bool {
	return m.ServerID == ""
}

// Record is one of Status, Task, Note or VoiceMessage. Records are values;
// the store never hands out pointers into its collections.
type Record interface {
	Kind() Kind
	Meta() RecordMeta
	// DisplayTime is the timestamp the record sorts by in the unified feed.
	DisplayTime() time.Time
	// SearchText is the kind-specific text matched by feed search.
	SearchText() string

	withMeta(RecordMeta) Record
	clone() Record
}

func NewLocalID() string {
	return uuid.NewString()
}

type Status struct {
	RecordMeta
	Type         StatusType  `json:"statusType"`
	Trigger      TriggerType `json:"triggerType"`
	LocationName string      `json:"locationName,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
}

func (s Status) Kind() Kind { return KindStatus }
func (s Status) Meta() RecordMeta { return s.RecordMeta }
func (s Status) DisplayTime() time.Time { return s.CreatedAt }
func (s Status) SearchText() string { return s.LocationName }
func (s Status) withMeta(m RecordMeta) Record { s.RecordMeta = m; return s }

func (s Status) clone() Record {
	s.Latitude = cloneFloat(s.Latitude)
	s.Longitude = cloneFloat(s.Longitude)
	return s
}

type Task struct {
	RecordMeta
	Title       string     `json:"title"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

func (t Task) Kind() Kind { return KindTask }
func (t Task) Meta() RecordMeta { return t.RecordMeta }
func (t Task) SearchText() string { return t.Title }
func (t Task) withMeta(m RecordMeta) Record { t.RecordMeta = m; return t }

// DisplayTime surfaces a task when it became relevant: completion first, then
// due date, then creation.
func (t Task) DisplayTime() time.Time {
	if t.Completed && t.CompletedAt != nil {
		return *t.CompletedAt
	}
	if t.DueDate != nil {
		return *t.DueDate
	}
	return t.CreatedAt
}

func (t Task) clone() Record {
	t.CompletedAt = cloneTime(t.CompletedAt)
	t.DueDate = cloneTime(t.DueDate)
	return t
}

// Toggle flips completion. Applying it twice restores the original fields
// only while completion is strictly boolean.
func (t *Task) Toggle(by string, now time.Time) {
	t.Completed = !t.Completed
	if t.Completed {
		at := now
		t.CompletedAt = &at
		t.CompletedBy = by
	} else {
		t.CompletedAt = nil
		t.CompletedBy = ""
	}
	t.UpdatedAt = now
}

type Note struct {
	RecordMeta
	Content    string   `json:"content"`
	NoteType   NoteType `json:"noteType"`
	DrawingURL string   `json:"drawingUrl,omitempty"`
}

func (n Note) Kind() Kind { return KindNote }
func (n Note) Meta() RecordMeta { return n.RecordMeta }
func (n Note) DisplayTime() time.Time { return n.CreatedAt }
func (n Note) SearchText() string { return n.Content }
func (n Note) withMeta(m RecordMeta) Record { n.RecordMeta = m; return n }
func (n Note) clone() Record { return n }

type VoiceMessage struct {
	RecordMeta
	RecipientIDs       []string    `json:"recipientIds,omitempty"`
	AudioURL           string      `json:"audioUrl,omitempty"`
	LocalFilePath      string      `json:"localFilePath,omitempty"`
	DurationSeconds    float64     `json:"durationSeconds"`
	Transcript         string      `json:"transcript,omitempty"`
	TranscriptLanguage string      `json:"transcriptLanguage,omitempty"`
	Played             bool        `json:"played"`
	PlayedAt           *time.Time  `json:"playedAt,omitempty"`
	UploadState        UploadState `json:"uploadState"`
}

func (v VoiceMessage) Kind() Kind { return KindVoice }
func (v VoiceMessage) Meta() RecordMeta { return v.RecordMeta }
func (v VoiceMessage) DisplayTime() time.Time { return v.CreatedAt }
func (v VoiceMessage) SearchText() string { return v.Transcript }
func (v VoiceMessage) withMeta(m RecordMeta) Record { v.RecordMeta = m; return v }

func (v VoiceMessage) clone() Record {
	v.RecipientIDs = slices.Clone(v.RecipientIDs)
	v.PlayedAt = cloneTime(v.PlayedAt)
	return v
}

// IsGroupMessage reports whether the message is addressed to the whole group.
func (v VoiceMessage) IsGroupMessage() bool {
	return len(v.RecipientIDs) == 0
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
