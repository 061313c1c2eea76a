package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultCookieName is the cookie carrying the session token.
	DefaultCookieName = "token"
	requestIDHeader   = "X-Request-ID"
	jsonContentType   = "application/json"
	maxResponseBytes  = 32 << 20
)

// Selector addresses either one entity by id or the whole collection.
type Selector string

// SelectAll addresses every entity of a resource.
const SelectAll Selector = "all"

// ID addresses a single entity.
func ID[T ~int64](id T) Selector {
	return Selector(strconv.FormatInt(int64(id), 10))
}

type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	CookieName string
	Token      string
	Logger     *zap.Logger
}

// Client wraps the possel REST surface with typed requests.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cookieName string
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient constructs a client for the server at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("restapi: unsupported base url scheme %q", baseURL.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		cookieName: cookieName,
		logger:     logger,
		token:      cfg.Token,
	}, nil
}

func (c *Client) BaseURL() *url.URL {
	copied := *c.baseURL
	return &copied
}

func (c *Client) CookieName() string {
	return c.cookieName
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) FetchUsers(ctx context.Context, selector Selector) ([]chat.User, error) {
	var users []chat.User
	if err := c.getJSON(ctx, ResourceUser, string(selector), "/user/"+string(selector), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) FetchBuffers(ctx context.Context, selector Selector) ([]chat.Buffer, error) {
	var buffers []chat.Buffer
	if err := c.getJSON(ctx, ResourceBuffer, string(selector), "/buffer/"+string(selector), nil, &buffers); err != nil {
		return nil, err
	}
	return buffers, nil
}

// FetchLineByID returns zero or one lines.
func (c *Client) FetchLineByID(ctx context.Context, id chat.LineID) ([]chat.Line, error) {
	return c.fetchLines(ctx, id.String(), url.Values{"id": {id.String()}})
}

// FetchLastLine returns the most recent line; an empty result means no history exists.
func (c *Client) FetchLastLine(ctx context.Context) ([]chat.Line, error) {
	return c.fetchLines(ctx, "last", url.Values{"last": {"true"}})
}

// FetchLinesAfter returns the lines with an id strictly greater than id, ascending.
func (c *Client) FetchLinesAfter(ctx context.Context, id chat.LineID) ([]chat.Line, error) {
	return c.FetchLines(ctx, LineQuery{After: &id})
}

// LineQuery filters a line listing. Nil bounds are omitted.
type LineQuery struct {
	After  *chat.LineID
	Before *chat.LineID
	Kind   chat.LineKind
}

// FetchLines returns lines matching query, sorted ascending by id. Bounds are exclusive
// for After and inclusive for Before.
func (c *Client) FetchLines(ctx context.Context, query LineQuery) ([]chat.Line, error) {
	values := url.Values{}
	label := "query"
	if query.After != nil {
		values.Set("after", query.After.String())
		label = "after " + query.After.String()
	}
	if query.Before != nil {
		values.Set("before", query.Before.String())
	}
	if query.Kind != "" {
		values.Set("kind", string(query.Kind))
	}
	lines, err := c.fetchLines(ctx, label, values)
	if err != nil {
		return nil, err
	}

	filtered := lines[:0]
	for _, line := range lines {
		if query.After != nil && line.ID <= *query.After {
			continue
		}
		if query.Before != nil && line.ID > *query.Before {
			continue
		}
		filtered = append(filtered, line)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	return filtered, nil
}

func (c *Client) fetchLines(ctx context.Context, label string, query url.Values) ([]chat.Line, error) {
	var lines []chat.Line
	if err := c.getJSON(ctx, ResourceLine, label, "/line", query, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

type postLinePayload struct {
	Buffer  chat.BufferID `json:"buffer"`
	Content string        `json:"content"`
}

// PostLine submits a new line. The server persists it and announces it on the push
// channel; the caller must not materialize it locally.
func (c *Client) PostLine(ctx context.Context, bufferID chat.BufferID, content string) error {
	payload := postLinePayload{Buffer: bufferID, Content: content}
	response, err := c.send(ctx, http.MethodPost, ResourceLine, bufferID.String(), "/line", nil, payload)
	if err != nil {
		return err
	}
	drain(response)
	return nil
}

type joinBufferPayload struct {
	Server chat.BufferID `json:"server"`
	Name   string        `json:"name"`
}

// JoinBuffer asks the server to join a channel on the given server.
func (c *Client) JoinBuffer(ctx context.Context, serverID chat.BufferID, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || !strings.ContainsRune("#&+!", rune(trimmed[0])) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	payload := joinBufferPayload{Server: serverID, Name: trimmed}
	response, err := c.send(ctx, http.MethodPost, ResourceBuffer, trimmed, "/buffer", nil, payload)
	if err != nil {
		return err
	}
	drain(response)
	return nil
}

func (c *Client) getJSON(ctx context.Context, resource, id, path string, query url.Values, target any) error {
	response, err := c.send(ctx, http.MethodGet, resource, id, path, query, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(target); err != nil {
		return &FetchError{Resource: resource, ID: id, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return nil
}

// send performs the request and returns the response when the status is 2xx.
func (c *Client) send(ctx context.Context, method, resource, id, path string, query url.Values, payload any) (*http.Response, error) {
	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &FetchError{Resource: resource, ID: id, Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, &FetchError{Resource: resource, ID: id, Err: err}
	}
	request.Header.Set("Accept", jsonContentType)
	if payload != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	requestID := uuid.NewString()
	request.Header.Set(requestIDHeader, requestID)
	if token := c.Token(); token != "" {
		request.AddCookie(&http.Cookie{Name: c.cookieName, Value: token})
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &FetchError{Resource: resource, ID: id, Err: err}
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		drain(response)
		fetchErr := &FetchError{Resource: resource, ID: id, StatusCode: response.StatusCode}
		if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
			fetchErr.Err = ErrUnauthorized
		}
		c.logger.Debug("request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Int("status", response.StatusCode))
		return nil, fetchErr
	}
	return response, nil
}

func drain(response *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))
	_ = response.Body.Close()
}
