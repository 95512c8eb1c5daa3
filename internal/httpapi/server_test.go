package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/Imhermes1/familyhub/internal/remote"
	"github.com/charmbracelet/log"
)

const testSecret = "dev-secret"

var errBackendDown = errors.New("backend down")

type downRemote struct{}

func (downRemote) CreateRecord(context.Context, pulse.Kind, string, pulse.Record) (string, error) {
	return "", errBackendDown
}

func (downRemote) UpdateRecord(context.Context, pulse.Kind, string, pulse.Record) error {
	return errBackendDown
}

func (downRemote) FetchRecords(context.Context, pulse.Kind, string, string) (pulse.FetchResult, error) {
	return pulse.FetchResult{}, errBackendDown
}

func newTestClient(t *testing.T, rs pulse.RemoteSync) *pulse.Client {
	t.Helper()
	client := pulse.NewClient(pulse.ClientOptions{
		Backend: pulse.NewInMemoryStateBackend(),
		Remote:  rs,
		Logger:  log.New(io.Discard),
	})
	t.Cleanup(func() { _ = client.Close() })
	err := client.Open(
		pulse.Profile{UserID: "u-alice", DisplayName: "Alice", Emoji: "🦊"},
		pulse.Group{ID: "g-1", Name: "Home", MemberCount: 2},
		pulse.Profile{UserID: "u-bob", DisplayName: "Bob"},
	)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	return client
}

func newTestServer(t *testing.T, rs pulse.RemoteSync, cfg ServerConfig) (*Server, *pulse.Client) {
	t.Helper()
	client := newTestClient(t, rs)
	cfg.Logger = log.New(io.Discard)
	if cfg.AudioDir == "" {
		cfg.AudioDir = t.TempDir()
	}
	return NewServer(client, cfg), client
}

func TestHealthAndMetricsNeedNoToken(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{})
	for _, path := range []string{"/health", "/metrics"} {
		resp := doRequest(t, server, request{method: http.MethodGet, path: path})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 on %s, got %d", path, resp.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	assertErrorCode(t, resp, "not_authenticated")
}

func TestScopeAndGroupClaimsEnforced(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{})
	readOnly := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/tasks",
		headers: bearer(readOnly),
		body:    map[string]any{"title": "Buy milk"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", resp.Code, resp.Body.String())
	}

	otherGroup := mustTestJWT(t, testSecret, "g-2", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed", headers: bearer(otherGroup)})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for group mismatch, got %d", resp.Code)
	}

	expired := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed", headers: bearer(expired)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	wrongAud := mustTestJWTWithAudience(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, "relay", time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed", headers: bearer(wrongAud)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}
}

func TestCreateAndToggleLifecycle(t *testing.T) {
	server, client := newTestServer(t, remote.NewMemory(), ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))

	created := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/tasks",
		headers: withCorrelation(bearer(token), "corr_1"),
		body:    map[string]any{"title": "Buy milk"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", created.Code, created.Body.String())
	}
	if got := created.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	var task pulse.Task
	if err := json.NewDecoder(created.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ServerID != "task_1" || task.Title != "Buy milk" {
		t.Fatalf("unexpected task: %+v", task)
	}

	toggled := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/tasks/" + task.LocalID + "/toggle",
		headers: bearer(token),
	})
	if toggled.Code != http.StatusOK {
		t.Fatalf("expected 200 on toggle, got %d (%s)", toggled.Code, toggled.Body.String())
	}
	tasks := client.Store.Tasks()
	if len(tasks) != 1 || !tasks[0].Completed || tasks[0].CompletedBy != "u-alice" {
		t.Fatalf("expected completed task in store, got %+v", tasks)
	}

	missing := doRequest(t, server, request{method: http.MethodPost, path: "/v1/tasks/nope/toggle", headers: bearer(token)})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", missing.Code)
	}
	if missing.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestInvalidInputMapsTo400(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))

	cases := []struct {
		name string
		path string
		body map[string]any
	}{
		{name: "empty title", path: "/v1/tasks", body: map[string]any{"title": "  "}},
		{name: "unknown status", path: "/v1/checkins", body: map[string]any{"statusType": "asleep"}},
		{name: "unknown trigger", path: "/v1/triggers", body: map[string]any{"triggerType": "psychic", "statusType": "arrived"}},
		{name: "empty note", path: "/v1/notes", body: map[string]any{"content": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, server, request{method: http.MethodPost, path: tc.path, headers: bearer(token), body: tc.body})
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
			}
			assertErrorCode(t, resp, "invalid_input")
		})
	}

	bad := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/notes", headers: bearer(token), body: []byte("{")})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken json, got %d", bad.Code)
	}
}

func TestRemoteFailureRollsBackAndMapsTo502(t *testing.T) {
	server, client := newTestServer(t, downRemote{}, ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/checkins",
		headers: bearer(token),
		body:    map[string]any{"statusType": "arrived", "locationName": "Home"},
	})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%s)", resp.Code, resp.Body.String())
	}
	assertErrorCode(t, resp, "remote_sync_failed")
	if n := len(client.Store.Statuses()); n != 0 {
		t.Fatalf("expected rollback to leave no statuses, got %d", n)
	}
}

func TestCheckInSuppressedInManualOnlyMode(t *testing.T) {
	server, client := newTestServer(t, remote.NewMemory(), ServerConfig{})
	if err := client.Session.SetManualOnly(true); err != nil {
		t.Fatalf("set manual only: %v", err)
	}
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/triggers",
		headers: bearer(token),
		body:    map[string]any{"triggerType": "geofence", "statusType": "arrived"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for suppressed trigger, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out checkInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Recorded || out.Status != nil {
		t.Fatalf("expected suppressed check-in, got %+v", out)
	}

	manual := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/checkins",
		headers: bearer(token),
		body:    map[string]any{"statusType": "leaving"},
	})
	if manual.Code != http.StatusCreated {
		t.Fatalf("expected manual check-in to be recorded, got %d", manual.Code)
	}
	if n := len(client.Store.Statuses()); n != 1 {
		t.Fatalf("expected one status, got %d", n)
	}
}

func TestFeedFiltersAndStats(t *testing.T) {
	server, client := newTestServer(t, remote.NewMemory(), ServerConfig{})
	ctx := context.Background()
	if _, _, err := client.Coordinator.CheckIn(ctx, pulse.CheckInRequest{Type: pulse.StatusArrived, LocationName: "School"}); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if _, err := client.Coordinator.AddTask(ctx, pulse.TaskDraft{Title: "Pick up kids late"}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := client.Coordinator.AddNote(ctx, pulse.NoteDraft{Content: "Running late"}); err != nil {
		t.Fatalf("add note: %v", err)
	}
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))

	all := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed", headers: bearer(token)}))
	if all.Total != 3 || all.Filter.GroupID != "g-1" {
		t.Fatalf("expected 3 items in g-1, got %+v", all)
	}

	late := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed?q=LATE", headers: bearer(token)}))
	if late.Total != 2 {
		t.Fatalf("expected 2 items matching late, got %d", late.Total)
	}

	tasks := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed?type=task&q=late", headers: bearer(token)}))
	if tasks.Total != 1 || tasks.Items[0].Kind != pulse.KindTask {
		t.Fatalf("expected one task, got %+v", tasks.Items)
	}

	bad := doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed?type=photos", headers: bearer(token)})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category, got %d", bad.Code)
	}

	statsResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed/stats", headers: bearer(token)})
	if statsResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on stats, got %d", statsResp.Code)
	}
	var stats pulse.FeedStats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.ByCategory[pulse.CategoryLocation] != 1 || stats.MostActiveUser != "u-alice" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	mine := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed/users/u-bob", headers: bearer(token)}))
	if mine.Total != 0 {
		t.Fatalf("expected no items for bob, got %d", mine.Total)
	}
}

func TestVoiceMultipartUploadAndPlayed(t *testing.T) {
	mem := remote.NewMemory()
	server, client := newTestServer(t, mem, ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "clip.m4a")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("fake-audio"))
	_ = form.WriteField("durationSeconds", "3.5")
	_ = form.WriteField("transcript", "on my way")
	_ = form.WriteField("recipientId", "u-bob")
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	headers := bearer(token)
	headers["Content-Type"] = form.FormDataContentType()
	resp := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/voice", headers: headers, body: body.Bytes()})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on voice upload, got %d (%s)", resp.Code, resp.Body.String())
	}
	var msg pulse.VoiceMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode voice: %v", err)
	}
	if msg.UploadState != pulse.UploadCompleted || msg.DurationSeconds != 3.5 || len(msg.RecipientIDs) != 1 {
		t.Fatalf("unexpected voice message: %+v", msg)
	}
	if data, ok := mem.Audio("g-1", msg.LocalID); !ok || string(data) != "fake-audio" {
		t.Fatalf("expected audio stored remotely, got %q ok=%v", data, ok)
	}

	played := doRequest(t, server, request{method: http.MethodPost, path: "/v1/voice/" + msg.LocalID + "/played", headers: bearer(token)})
	if played.Code != http.StatusOK {
		t.Fatalf("expected 200 on played, got %d (%s)", played.Code, played.Body.String())
	}
	if got := client.Store.VoiceMessages(); len(got) != 1 || !got[0].Played {
		t.Fatalf("expected played message, got %+v", got)
	}

	deleted := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/voice/" + msg.LocalID, headers: bearer(token)})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", deleted.Code)
	}
	if _, err := os.Stat(msg.LocalFilePath); !os.IsNotExist(err) {
		t.Fatalf("expected recording removed, stat err=%v", err)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{MaxBodyBytes: 64})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", AllScopes(), time.Now().Add(time.Hour))
	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/notes",
		headers: bearer(token),
		body:    []byte(`{"content":"` + strings.Repeat("x", 128) + `"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestSyncEndpointReportsPartialFailure(t *testing.T) {
	server, _ := newTestServer(t, downRemote{}, ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeSyncTrigger}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token)})
	if resp.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d (%s)", resp.Code, resp.Body.String())
	}
	var report pulse.SyncReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Kinds) != len(pulse.AllKinds) {
		t.Fatalf("expected a report per kind, got %+v", report.Kinds)
	}
	for _, k := range report.Kinds {
		if k.Error == "" {
			t.Fatalf("expected error for kind %s", k.Kind)
		}
	}
}

func TestSyncEndpointMergesRemote(t *testing.T) {
	mem := remote.NewMemory()
	other := newTestClient(t, mem)
	if _, err := other.Coordinator.AddNote(context.Background(), pulse.NoteDraft{Content: "from another device"}); err != nil {
		t.Fatalf("add note: %v", err)
	}
	server, client := newTestServer(t, mem, ServerConfig{})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeSyncTrigger}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	notes := client.Store.Notes()
	if len(notes) != 1 || notes[0].Content != "from another device" {
		t.Fatalf("expected merged note, got %+v", notes)
	}
}

func TestSessionAndDashboard(t *testing.T) {
	server, client := newTestServer(t, remote.NewMemory(), ServerConfig{})
	if _, err := client.Coordinator.AddNote(context.Background(), pulse.NoteDraft{Content: "Dinner at 7"}); err != nil {
		t.Fatalf("add note: %v", err)
	}
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/session", headers: bearer(token)})
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.State != "ready" || session.Group == nil || session.Group.Name != "Home" {
		t.Fatalf("unexpected session: %+v", session)
	}

	page := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if page.Code != http.StatusOK {
		t.Fatalf("expected 200 on dashboard, got %d", page.Code)
	}
	html := page.Body.String()
	if !strings.Contains(html, "Dinner at 7") || !strings.Contains(html, "Alice") {
		t.Fatalf("expected note and author on dashboard, got %s", html)
	}
}

func TestRateLimitingByGroupAndUser(t *testing.T) {
	server, _ := newTestServer(t, remote.NewMemory(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, testSecret, "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/feed",
			headers: withCorrelation(bearer(token), fmt.Sprintf("corr_rate_%d", i)),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/feed", headers: bearer(token)})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestSignTokenIsAccepted(t *testing.T) {
	token, err := SignToken("s3cret", "g-1", "u-alice", []string{ScopeFeedRead}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	claims, authErr := authorizeBearer("Bearer "+token, "s3cret", "g-1", ScopeFeedRead, time.Now())
	if authErr != nil {
		t.Fatalf("expected token to verify, got %v", authErr)
	}
	if claims.UserID != "u-alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, authErr := authorizeBearer("Bearer "+token, "other", "g-1", ScopeFeedRead, time.Now()); authErr == nil || authErr.status != http.StatusUnauthorized {
		t.Fatalf("expected signature mismatch, got %v", authErr)
	}
}

func TestAuthorizeBearerRejectsMalformedTokens(t *testing.T) {
	now := time.Now()
	valid, err := SignToken("s3cret", "g-1", "u-alice", []string{ScopeFeedRead}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	parts := strings.Split(valid, ".")
	otherPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"group_id":"g-1","user_id":"u-bob","scopes":["feed:read"],"exp":9999999999,"aud":"pulse"}`))
	noneHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	noScopes, err := SignToken("s3cret", "g-1", "u-alice", nil, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	noUser, err := SignToken("s3cret", "g-1", "", []string{ScopeFeedRead}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{name: "basic scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "two segments", header: "Bearer " + parts[0] + "." + parts[1], status: http.StatusUnauthorized},
		{name: "garbage header", header: "Bearer !!." + parts[1] + "." + parts[2], status: http.StatusUnauthorized},
		{name: "alg none", header: "Bearer " + noneHeader + "." + parts[1] + "." + parts[2], status: http.StatusUnauthorized},
		{name: "swapped payload", header: "Bearer " + parts[0] + "." + otherPayload + "." + parts[2], status: http.StatusUnauthorized},
		{name: "no user", header: "Bearer " + noUser, status: http.StatusUnauthorized},
		{name: "no scopes", header: "Bearer " + noScopes, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, authErr := authorizeBearer(tc.header, "s3cret", "g-1", ScopeFeedRead, now)
			if authErr == nil || authErr.status != tc.status {
				t.Fatalf("expected status %d, got %v", tc.status, authErr)
			}
		})
	}
	if _, authErr := authorizeBearer("Bearer "+valid, "s3cret", "", ScopeFeedRead, now); authErr != nil {
		t.Fatalf("expected token to verify without a group filter, got %v", authErr)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func withCorrelation(headers map[string]string, id string) map[string]string {
	headers["X-Correlation-Id"] = id
	return headers
}

func assertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != code {
		t.Fatalf("expected code %q, got %v", code, body["code"])
	}
}

func decodeFeed(t *testing.T, resp *httptest.ResponseRecorder) feedResponse {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on feed, got %d (%s)", resp.Code, resp.Body.String())
	}
	var raw struct {
		Filter pulse.FeedFilter  `json:"filter"`
		Items  []json.RawMessage `json:"items"`
		Total  int               `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	out := feedResponse{Filter: raw.Filter, Total: raw.Total}
	for _, item := range raw.Items {
		var head struct {
			ID   string     `json:"id"`
			Kind pulse.Kind `json:"kind"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			t.Fatalf("decode feed item: %v", err)
		}
		out.Items = append(out.Items, pulse.FeedItem{ID: head.ID, Kind: head.Kind})
	}
	return out
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, groupID, userID string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, groupID, userID, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, groupID, userID string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := signTokenWithAudience(secret, groupID, userID, scopes, aud, exp)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}
