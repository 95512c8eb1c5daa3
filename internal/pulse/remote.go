package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RemoteSync is the boundary to the group's shared backend.
type RemoteSync interface {
	CreateRecord(ctx context.Context, kind Kind, groupID string, rec Record) (string, error)
	UpdateRecord(ctx context.Context, kind Kind, serverID string, rec Record) error
	FetchRecords(ctx context.Context, kind Kind, groupID, sinceCursor string) (FetchResult, error)
}

// AudioUploader stores a recorded voice message and returns its URL.
type AudioUploader interface {
	UploadAudio(ctx context.Context, groupID, localID, path string) (string, error)
}

type RemoteRecord struct {
	ServerID  string          `json:"serverId"`
	GroupID   string          `json:"groupId"`
	UserID    string          `json:"userId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type FetchResult struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type statusPayload struct {
	StatusType   StatusType  `json:"statusType"`
	TriggerType  TriggerType `json:"triggerType"`
	LocationName string      `json:"locationName,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
}

type taskPayload struct {
	Title       string     `json:"title"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

type notePayload struct {
	Content    string   `json:"content"`
	NoteType   NoteType `json:"noteType,omitempty"`
	DrawingURL string   `json:"drawingUrl,omitempty"`
}

type voicePayload struct {
	RecipientIDs       []string    `json:"recipientIds,omitempty"`
	AudioURL           string      `json:"audioUrl,omitempty"`
	DurationSeconds    float64     `json:"durationSeconds"`
	Transcript         string      `json:"transcript,omitempty"`
	TranscriptLanguage string      `json:"transcriptLanguage,omitempty"`
	Played             bool        `json:"played"`
	PlayedAt           *time.Time  `json:"playedAt,omitempty"`
	UploadState        UploadState `json:"uploadState"`
}

// EncodePayload serializes the kind-specific fields of rec. Identity fields
// travel separately.
func EncodePayload(rec Record) (json.RawMessage, error) {
	var payload any
	switch r := rec.(type) {
	case Status:
		payload = statusPayload{r.Type, r.Trigger, r.LocationName, r.Latitude, r.Longitude}
	case Task:
		payload = taskPayload{r.Title, r.AssignedTo, r.Completed, r.CompletedAt, r.CompletedBy, r.DueDate}
	case Note:
		payload = notePayload{r.Content, r.NoteType, r.DrawingURL}
	case VoiceMessage:
		payload = voicePayload{r.RecipientIDs, r.AudioURL, r.DurationSeconds, r.Transcript,
			r.TranscriptLanguage, r.Played, r.PlayedAt, r.UploadState}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidInput, rec)
	}
	return json.Marshal(payload)
}

// ToRemoteRecord is the wire form of a synced record.
func ToRemoteRecord(rec Record) (RemoteRecord, error) {
	payload, err := EncodePayload(rec)
	if err != nil {
		return RemoteRecord{}, err
	}
	meta := rec.Meta()
	return RemoteRecord{
		ServerID:  meta.ServerID,
		GroupID:   meta.GroupID,
		UserID:    meta.UserID,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Payload:   payload,
	}, nil
}

// DecodeRemoteRecord turns a fetched record into a typed record without a
// local id; the merger assigns one on insert.
func DecodeRemoteRecord(kind Kind, rr RemoteRecord) (Record, error) {
	meta := RecordMeta{
		ServerID:  rr.ServerID,
		GroupID:   rr.GroupID,
		UserID:    rr.UserID,
		CreatedAt: rr.CreatedAt,
		UpdatedAt: rr.UpdatedAt,
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	switch kind {
	case KindStatus:
		var p statusPayload
		if err := json.Unmarshal(rr.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: status payload: %v", ErrInvalidInput, err)
		}
		return Status{RecordMeta: meta, Type: p.StatusType, Trigger: p.TriggerType,
			LocationName: p.LocationName, Latitude: p.Latitude, Longitude: p.Longitude}, nil
	case KindTask:
		var p taskPayload
		if err := json.Unmarshal(rr.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: task payload: %v", ErrInvalidInput, err)
		}
		return Task{RecordMeta: meta, Title: p.Title, AssignedTo: p.AssignedTo, Completed: p.Completed,
			CompletedAt: p.CompletedAt, CompletedBy: p.CompletedBy, DueDate: p.DueDate}, nil
	case KindNote:
		var p notePayload
		if err := json.Unmarshal(rr.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: note payload: %v", ErrInvalidInput, err)
		}
		if p.NoteType == "" {
			p.NoteType = NoteText
		}
		return Note{RecordMeta: meta, Content: p.Content, NoteType: p.NoteType, DrawingURL: p.DrawingURL}, nil
	case KindVoice:
		var p voicePayload
		if err := json.Unmarshal(rr.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: voice payload: %v", ErrInvalidInput, err)
		}
		return VoiceMessage{RecordMeta: meta, RecipientIDs: p.RecipientIDs, AudioURL: p.AudioURL,
			DurationSeconds: p.DurationSeconds, Transcript: p.Transcript, TranscriptLanguage: p.TranscriptLanguage,
			Played: p.Played, PlayedAt: p.PlayedAt, UploadState: p.UploadState}, nil
	}
	return nil, fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, kind)
}
