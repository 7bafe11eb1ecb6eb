package relational

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/evcscavalcante/labsync/internal/labsync"
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

// Is lets callers match a 404 against labsync.ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == labsync.ErrNotFound && e.StatusCode == http.StatusNotFound
}

var _ labsync.Backend = (*Client)(nil)

type recordPage struct {
	Records    []labsync.Record `json:"records"`
	NextCursor *string          `json:"nextCursor"`
}

// Client talks to the relational records API. The relational store is shared by every
// user, so the owner argument of the labsync.Backend methods is not sent.
type Client struct {
	baseURL    string
	collection string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
}

func NewClient(baseURL, collection, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = labsync.DefaultCollection
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		pageSize:   200,
	}
}

func (c *Client) Name() labsync.BackendName {
	return labsync.BackendRelational
}

// Health returns nil when the API answers GET /health with a 2xx status.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, 0)
}

func (c *Client) Create(ctx context.Context, _ string, record labsync.Record) error {
	return c.doJSON(ctx, http.MethodPost, c.recordsPath(""), record, nil, -1)
}

func (c *Client) Update(ctx context.Context, _ string, record labsync.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return labsync.ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodPut, c.recordsPath(record.ID), record, nil, -1)
}

func (c *Client) Delete(ctx context.Context, _ string, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.recordsPath(id), nil, nil, -1)
	if errors.Is(err, labsync.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Get(ctx context.Context, _ string, id string) (labsync.Record, error) {
	var out labsync.Record
	if err := c.doJSON(ctx, http.MethodGet, c.recordsPath(id), nil, &out, -1); err != nil {
		return labsync.Record{}, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, _ string) ([]labsync.Record, error) {
	out := []labsync.Record{}
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page recordPage
		if err := c.doJSON(ctx, http.MethodGet, c.recordsPath("")+"?"+q.Encode(), nil, &page, -1); err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

func (c *Client) recordsPath(id string) string {
	path := fmt.Sprintf("/v1/collections/%s/records", url.PathEscape(c.collection))
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	return path
}

// doJSON retries transport errors, 429 and 5xx responses. A negative retries value
// uses the client default.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any, retries int) error {
	if retries < 0 {
		retries = c.maxRetries
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
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
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("labsync_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
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
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
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
