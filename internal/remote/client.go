package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the pulse sentinels so callers can match them
// without knowing about HTTP.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case pulse.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case pulse.ErrNotAuthenticated:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case pulse.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// HTTPClient talks to the group backend over its JSON API. It implements
// both pulse.RemoteSync and pulse.AudioUploader.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var (
	_ pulse.RemoteSync    = (*HTTPClient)(nil)
	_ pulse.AudioUploader = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type createResponse struct {
	ServerID string `json:"serverId"`
}

type uploadResponse struct {
	AudioURL string `json:"audioUrl"`
}

func (c *HTTPClient) CreateRecord(ctx context.Context, kind pulse.Kind, groupID string, rec pulse.Record) (string, error) {
	body, err := pulse.ToRemoteRecord(rec)
	if err != nil {
		return "", err
	}
	var out createResponse
	err = c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/groups/%s/records/%s", url.PathEscape(groupID), url.PathEscape(string(kind))), body, &out)
	if err != nil {
		return "", err
	}
	return out.ServerID, nil
}

func (c *HTTPClient) UpdateRecord(ctx context.Context, kind pulse.Kind, serverID string, rec pulse.Record) error {
	body, err := pulse.ToRemoteRecord(rec)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPatch,
		fmt.Sprintf("/v1/records/%s/%s", url.PathEscape(string(kind)), url.PathEscape(serverID)), body, nil)
}

func (c *HTTPClient) FetchRecords(ctx context.Context, kind pulse.Kind, groupID, sinceCursor string) (pulse.FetchResult, error) {
	q := url.Values{}
	if strings.TrimSpace(sinceCursor) != "" {
		q.Set("since", strings.TrimSpace(sinceCursor))
	}
	path := fmt.Sprintf("/v1/groups/%s/records/%s", url.PathEscape(groupID), url.PathEscape(string(kind)))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out pulse.FetchResult
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UploadAudio sends the recording at path as the request body.
func (c *HTTPClient) UploadAudio(ctx context.Context, groupID, localID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	var out uploadResponse
	err = c.do(ctx, http.MethodPut,
		fmt.Sprintf("/v1/groups/%s/audio/%s", url.PathEscape(groupID), url.PathEscape(localID)),
		data, "audio/mp4", &out)
	if err != nil {
		return "", err
	}
	if out.AudioURL == "" {
		return "", errors.New("upload response has no audio url")
	}
	return out.AudioURL, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.do(ctx, method, requestPath, bodyBytes, "application/json", out)
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, bodyBytes []byte, contentType string, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("pulse_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	return backoffDelay(c.baseDelay, c.maxDelay, attempt, parseRetryAfter(retryAfterHeader))
}

// backoffDelay doubles base for every attempt after the first, capped at
// maxDelay. A positive hint from the server wins, also capped.
func backoffDelay(base, maxDelay time.Duration, attempt int, hint time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if hint > 0 {
		return min(hint, maxDelay)
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
