package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/google/uuid"
)

// Actions performs the widget's quick actions against the local Pulse API.
// The client rewrites the snapshot afterwards, which the Watcher picks up.
type Actions struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewActions(baseURL, token string, httpClient *http.Client) *Actions {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Actions{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (a *Actions) MarkSafe(ctx context.Context) error {
	return a.checkIn(ctx, pulse.StatusArrived)
}

func (a *Actions) MarkLeaving(ctx context.Context) error {
	return a.checkIn(ctx, pulse.StatusLeaving)
}

func (a *Actions) MarkOnTheWay(ctx context.Context) error {
	return a.checkIn(ctx, pulse.StatusOnTheWay)
}

func (a *Actions) ToggleTask(ctx context.Context, localID string) error {
	if strings.TrimSpace(localID) == "" {
		return fmt.Errorf("%w: task id is required", pulse.ErrInvalidInput)
	}
	return a.post(ctx, "/v1/tasks/"+localID+"/toggle", nil)
}

func (a *Actions) checkIn(ctx context.Context, status pulse.StatusType) error {
	return a.post(ctx, "/v1/checkins", map[string]string{
		"statusType":  string(status),
		"triggerType": string(pulse.TriggerManual),
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Actions) post(ctx context.Context, path string, body any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "widget_"+uuid.NewString())
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", pulse.ErrNotAuthenticated, apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", pulse.ErrNotFound, apiErr.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", pulse.ErrInvalidInput, apiErr.Message)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", pulse.ErrRemoteSyncFailed, apiErr.Message)
	}
	return fmt.Errorf("widget action %s: http %d %s", path, resp.StatusCode, apiErr.Message)
}
