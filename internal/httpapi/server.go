package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AudioDir receives voice recordings uploaded as multipart forms.
	AudioDir string
	Logger   *log.Logger
	Now      func() time.Time
}

// Server exposes one device's Pulse client over a small local HTTP API used
// by scripts, the widget and the feed page.
type Server struct {
	client      *pulse.Client
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      *mux.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, correlationID string)

func NewServer(client *pulse.Client, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = filepath.Join(os.TempDir(), "pulse-audio")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		client:      client,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(req))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(req))
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/session", s.authed(ScopeFeedRead, s.handleSession)).Methods(http.MethodGet)
	v1.Handle("/feed", s.authed(ScopeFeedRead, s.handleFeed)).Methods(http.MethodGet)
	v1.Handle("/feed/stats", s.authed(ScopeFeedRead, s.handleFeedStats)).Methods(http.MethodGet)
	v1.Handle("/feed/users/{userId}", s.authed(ScopeFeedRead, s.handleUserFeed)).Methods(http.MethodGet)
	v1.Handle("/checkins", s.authed(ScopeFeedWrite, s.handleCheckIn)).Methods(http.MethodPost)
	v1.Handle("/tasks", s.authed(ScopeFeedWrite, s.handleAddTask)).Methods(http.MethodPost)
	v1.Handle("/tasks/{localId}/toggle", s.authed(ScopeFeedWrite, s.handleToggleTask)).Methods(http.MethodPost)
	v1.Handle("/notes", s.authed(ScopeFeedWrite, s.handleAddNote)).Methods(http.MethodPost)
	v1.Handle("/voice", s.authed(ScopeFeedWrite, s.handleSendVoice)).Methods(http.MethodPost)
	v1.Handle("/voice/{localId}/played", s.authed(ScopeFeedWrite, s.handleVoicePlayed)).Methods(http.MethodPost)
	v1.Handle("/voice/{localId}", s.authed(ScopeFeedWrite, s.handleDeleteVoice)).Methods(http.MethodDelete)
	v1.Handle("/sync", s.authed(ScopeSyncTrigger, s.handleSync)).Methods(http.MethodPost)
	v1.Handle("/triggers", s.authed(ScopeFeedWrite, s.handleTrigger)).Methods(http.MethodPost)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authed checks the bearer token against the active group and scope, applies
// the rate limit and assigns a correlation id when the caller sent none.
func (s *Server) authed(scope string, next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			correlationID = "corr_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		groupID := ""
		if group, ok := s.client.Session.Group(); ok {
			groupID = group.ID
		}
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, groupID, scope, s.cfg.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil {
			key := claims.GroupID + "|" + claims.UserID
			if !s.rateLimiter.allow(key, s.cfg.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
		next(w, r, correlationID)
	})
}

type sessionResponse struct {
	State   string         `json:"state"`
	Profile *pulse.Profile `json:"profile,omitempty"`
	Group   *pulse.Group   `json:"group,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request, _ string) {
	resp := sessionResponse{State: pulse.StateName(s.client.Session.State())}
	if profile, ok := s.client.Session.Profile(); ok {
		resp.Profile = &profile
	}
	if group, ok := s.client.Session.Group(); ok {
		resp.Group = &group
	}
	writeJSON(w, http.StatusOK, resp)
}

type feedResponse struct {
	Filter pulse.FeedFilter `json:"filter"`
	Items  []pulse.FeedItem `json:"items"`
	Total  int              `json:"total"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, correlationID string) {
	filter, ok := s.feedFilter(w, r, correlationID)
	if !ok {
		return
	}
	items := pulse.Apply(s.aggregate(), filter)
	writeJSON(w, http.StatusOK, feedResponse{Filter: filter, Items: items, Total: len(items)})
}

func (s *Server) handleFeedStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	filter, ok := s.feedFilter(w, r, correlationID)
	if !ok {
		return
	}
	items := pulse.Apply(s.aggregate(), filter)
	writeJSON(w, http.StatusOK, pulse.ComputeStats(items, s.cfg.Now(), s.client.Directory))
}

func (s *Server) handleUserFeed(w http.ResponseWriter, r *http.Request, correlationID string) {
	filter, ok := s.feedFilter(w, r, correlationID)
	if !ok {
		return
	}
	items := pulse.ItemsForUser(pulse.Apply(s.aggregate(), filter), mux.Vars(r)["userId"])
	writeJSON(w, http.StatusOK, feedResponse{Filter: filter, Items: items, Total: len(items)})
}

func (s *Server) aggregate() []pulse.FeedItem {
	return pulse.Aggregate(s.client.Store.Snapshot(), s.client.Directory)
}

// feedFilter reads group, type and q. The group defaults to the active one
// and can be cleared with group=all.
func (s *Server) feedFilter(w http.ResponseWriter, r *http.Request, correlationID string) (pulse.FeedFilter, bool) {
	query := r.URL.Query()
	category, err := pulse.ParseCategory(query.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return pulse.FeedFilter{}, false
	}
	filter := pulse.FeedFilter{Category: category, Query: query.Get("q")}
	switch groupID := strings.TrimSpace(query.Get("group")); groupID {
	case "":
		if group, ok := s.client.Session.Group(); ok {
			filter.GroupID = group.ID
		}
	case "all":
	default:
		filter.GroupID = groupID
	}
	return filter, true
}

type checkInRequest struct {
	Type         string   `json:"statusType"`
	Trigger      string   `json:"triggerType"`
	LocationName string   `json:"locationName"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

type checkInResponse struct {
	Recorded bool          `json:"recorded"`
	Status   *pulse.Status `json:"status,omitempty"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req checkInRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	trigger := pulse.TriggerManual
	if req.Trigger != "" {
		parsed, err := pulse.ParseTriggerType(req.Trigger)
		if err != nil {
			s.writePulseError(w, err, correlationID)
			return
		}
		trigger = parsed
	}
	status, recorded, err := s.client.Coordinator.CheckIn(r.Context(), pulse.CheckInRequest{
		Type:         pulse.StatusType(req.Type),
		Trigger:      trigger,
		LocationName: req.LocationName,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	})
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	if !recorded {
		writeJSON(w, http.StatusOK, checkInResponse{Recorded: false})
		return
	}
	writeJSON(w, http.StatusCreated, checkInResponse{Recorded: true, Status: &status})
}

type taskRequest struct {
	Title      string     `json:"title"`
	AssignedTo string     `json:"assignedTo"`
	DueDate    *time.Time `json:"dueDate"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req taskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	task, err := s.client.Coordinator.AddTask(r.Context(), pulse.TaskDraft{
		Title:      req.Title,
		AssignedTo: req.AssignedTo,
		DueDate:    req.DueDate,
	})
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	task, err := s.client.Coordinator.ToggleTask(r.Context(), mux.Vars(r)["localId"])
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type noteRequest struct {
	Content    string `json:"content"`
	NoteType   string `json:"noteType"`
	DrawingURL string `json:"drawingUrl"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req noteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	note, err := s.client.Coordinator.AddNote(r.Context(), pulse.NoteDraft{
		Content:    req.Content,
		NoteType:   pulse.NoteType(req.NoteType),
		DrawingURL: req.DrawingURL,
	})
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

type voiceRequest struct {
	LocalFilePath      string   `json:"localFilePath"`
	DurationSeconds    float64  `json:"durationSeconds"`
	Transcript         string   `json:"transcript"`
	TranscriptLanguage string   `json:"transcriptLanguage"`
	RecipientIDs       []string `json:"recipientIds"`
}

// handleSendVoice accepts either a JSON body naming a recording already on
// disk or a multipart form carrying the recording in an "audio" part.
func (s *Server) handleSendVoice(w http.ResponseWriter, r *http.Request, correlationID string) {
	var draft pulse.VoiceDraft
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var ok bool
		draft, ok = s.readVoiceForm(w, r, correlationID)
		if !ok {
			return
		}
	} else {
		var req voiceRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		draft = pulse.VoiceDraft{
			LocalFilePath:      req.LocalFilePath,
			DurationSeconds:    req.DurationSeconds,
			Transcript:         req.Transcript,
			TranscriptLanguage: req.TranscriptLanguage,
			RecipientIDs:       req.RecipientIDs,
		}
	}
	msg, err := s.client.Coordinator.SendVoiceMessage(r.Context(), draft)
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) readVoiceForm(w http.ResponseWriter, r *http.Request, correlationID string) (pulse.VoiceDraft, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return pulse.VoiceDraft{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid multipart body", correlationID)
		return pulse.VoiceDraft{}, false
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing audio part", correlationID)
		return pulse.VoiceDraft{}, false
	}
	defer file.Close()

	if err := os.MkdirAll(s.cfg.AudioDir, 0o755); err != nil {
		s.writePulseError(w, err, correlationID)
		return pulse.VoiceDraft{}, false
	}
	out, err := os.CreateTemp(s.cfg.AudioDir, "voice-*.m4a")
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return pulse.VoiceDraft{}, false
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		s.writePulseError(w, err, correlationID)
		return pulse.VoiceDraft{}, false
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		s.writePulseError(w, err, correlationID)
		return pulse.VoiceDraft{}, false
	}

	duration := 0.0
	if raw := strings.TrimSpace(r.FormValue("durationSeconds")); raw != "" {
		duration, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			_ = os.Remove(out.Name())
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid durationSeconds", correlationID)
			return pulse.VoiceDraft{}, false
		}
	}
	var recipients []string
	for _, id := range r.MultipartForm.Value["recipientId"] {
		if id = strings.TrimSpace(id); id != "" {
			recipients = append(recipients, id)
		}
	}
	return pulse.VoiceDraft{
		LocalFilePath:      out.Name(),
		DurationSeconds:    duration,
		Transcript:         r.FormValue("transcript"),
		TranscriptLanguage: r.FormValue("transcriptLanguage"),
		RecipientIDs:       recipients,
	}, true
}

func (s *Server) handleVoicePlayed(w http.ResponseWriter, r *http.Request, correlationID string) {
	msg, err := s.client.Coordinator.MarkVoicePlayed(r.Context(), mux.Vars(r)["localId"])
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.client.Coordinator.DeleteVoiceMessage(r.Context(), mux.Vars(r)["localId"]); err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync runs one reconciliation pass. Per-kind failures are reported in
// the body with a 207 so callers can tell a partial pass from a clean one.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.client.Syncer.SyncAll(r.Context())
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if report.Err() != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

type triggerRequest struct {
	Trigger      string   `json:"triggerType"`
	Status       string   `json:"statusType"`
	LocationName string   `json:"locationName"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req triggerRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	trigger, err := pulse.ParseTriggerType(req.Trigger)
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	status, recorded, err := s.client.Coordinator.HandleTrigger(r.Context(), pulse.TriggerEvent{
		Trigger:      trigger,
		Status:       pulse.StatusType(req.Status),
		LocationName: req.LocationName,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	})
	if err != nil {
		s.writePulseError(w, err, correlationID)
		return
	}
	if !recorded {
		writeJSON(w, http.StatusOK, checkInResponse{Recorded: false})
		return
	}
	writeJSON(w, http.StatusCreated, checkInResponse{Recorded: true, Status: &status})
}

func (s *Server) writePulseError(w http.ResponseWriter, err error, correlationID string) {
	var syncErr *pulse.RemoteSyncError
	switch {
	case errors.Is(err, pulse.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", err.Error(), correlationID)
	case errors.Is(err, pulse.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, pulse.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &syncErr):
		writeError(w, http.StatusBadGateway, "remote_sync_failed", err.Error(), correlationID)
	case errors.Is(err, pulse.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.cfg.Logger.Error("request failed", "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("invalid json body: %v", err), correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
