package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

const maxAudioBytes = 25 << 20

// NewServer exposes mem over the HTTP wire shape HTTPClient speaks, plus a
// websocket change feed at /v1/realtime. A non-empty token is required as a
// bearer token on every request.
func NewServer(mem *Memory, token string, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	s := &server{mem: mem, token: strings.TrimSpace(token), logger: logger}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/groups/{group}/records/{kind}", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/records/{kind}", s.handleFetch).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}/{serverId}", s.handleUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/groups/{group}/audio/{localId}", s.handleAudio).Methods(http.MethodPut)
	api.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", r.Header.Get("X-Correlation-Id"))
	})
	return r
}

type server struct {
	mem    *Memory
	token  string
	logger *log.Logger
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", r.Header.Get("X-Correlation-Id"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeKind(w http.ResponseWriter, r *http.Request) (pulse.Kind, bool) {
	kind, err := pulse.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), r.Header.Get("X-Correlation-Id"))
		return "", false
	}
	return kind, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request, kind pulse.Kind) (pulse.Record, bool) {
	correlationID := r.Header.Get("X-Correlation-Id")
	var rr pulse.RemoteRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rr); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	if err := pulse.ValidatePayload(kind, rr.Payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return nil, false
	}
	rec, err := pulse.DecodeRemoteRecord(kind, rr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return nil, false
	}
	return rec, true
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := routeKind(w, r)
	if !ok {
		return
	}
	rec, ok := decodeRecord(w, r, kind)
	if !ok {
		return
	}
	serverID, err := s.mem.CreateRecord(r.Context(), kind, mux.Vars(r)["group"], rec)
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ServerID: serverID})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := routeKind(w, r)
	if !ok {
		return
	}
	rec, ok := decodeRecord(w, r, kind)
	if !ok {
		return
	}
	if err := s.mem.UpdateRecord(r.Context(), kind, mux.Vars(r)["serverId"], rec); err != nil {
		writeMemoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	kind, ok := routeKind(w, r)
	if !ok {
		return
	}
	out, err := s.mem.FetchRecords(r.Context(), kind, mux.Vars(r)["group"], r.URL.Query().Get("since"))
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "recording exceeds limit", r.Header.Get("X-Correlation-Id"))
		return
	}
	vars := mux.Vars(r)
	audioURL, err := s.mem.StoreAudio(r.Context(), vars["group"], vars["localId"], data)
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{AudioURL: audioURL})
}

// handleRealtime streams Memory changes for the channels the client
// subscribed to. A client that cannot keep up is disconnected.
func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx := r.Context()

	var mu sync.Mutex
	channels := map[string]bool{}
	outbox := make(chan realtimeMessage, 32)
	stop := s.mem.Watch(func(c Change) {
		channel := ChannelName(c.Kind, c.GroupID)
		mu.Lock()
		subscribed := channels[channel]
		mu.Unlock()
		if !subscribed {
			return
		}
		select {
		case outbox <- realtimeMessage{Type: msgChange, Channel: channel, Event: c.Op, ServerID: c.ServerID}:
		default:
			s.logger.Warn("realtime subscriber too slow, dropping", "channel", channel)
		}
	})
	defer stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg realtimeMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				readErr <- err
				return
			}
			if msg.Type != msgSubscribe {
				continue
			}
			if _, _, ok := ParseChannel(msg.Channel); !ok {
				continue
			}
			mu.Lock()
			channels[msg.Channel] = true
			mu.Unlock()
			select {
			case outbox <- realtimeMessage{Type: msgSubscribed, Channel: msg.Channel}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-outbox:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeMemoryError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := r.Header.Get("X-Correlation-Id")
	switch {
	case errors.Is(err, pulse.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, pulse.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
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
