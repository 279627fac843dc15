// Package parse provides a Parse REST API implementation of the Remote interface.
//
// Revisions are stored in a numeric "revision" column of the class. Writes
// carry the base revision in an If-Match header and the next one in the body;
// the server (or a beforeSave trigger) rejects stale writes with HTTP 409/412
// or Parse error 142.
package parse

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

	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/types"
)

// Default configuration values
const (
	DefaultClassName = "Task"
	DefaultListLimit = 1000
)

// Parse error codes the client interprets.
const (
	codeObjectNotFound   = 101
	codeValidationFailed = 142
)

// Config configures the Parse client.
type Config struct {
	// ServerURL is the API root, e.g. https://parseapi.back4app.com
	ServerURL     string
	ApplicationID string
	RESTAPIKey    string
	ClassName     string
	ListLimit     int
	HTTPClient    *http.Client
	Logger        types.Logger
}

// Client implements remote.Remote over the Parse REST API.
type Client struct {
	baseURL    string
	appID      string
	restKey    string
	className  string
	listLimit  int
	httpClient *http.Client
	logger     types.Logger
}

// New creates a new Parse client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("parse: server url is required")
	}
	if cfg.ApplicationID == "" {
		return nil, errors.New("parse: application id is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("parse: invalid server url: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		appID:      cfg.ApplicationID,
		restKey:    cfg.RESTAPIKey,
		className:  cfg.ClassName,
		listLimit:  cfg.ListLimit,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if c.className == "" {
		c.className = DefaultClassName
	}
	if c.listLimit <= 0 {
		c.listLimit = DefaultListLimit
	}
	if c.httpClient == nil {
		// Per-call deadlines come from the context.
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}

	return c, nil
}

// object is the wire form of a Task.
type object struct {
	ObjectID  string     `json:"objectId,omitempty"`
	Title     string     `json:"title"`
	Done      bool       `json:"done"`
	Revision  int64      `json:"revision"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (o object) task() types.Task {
	t := types.Task{
		ID:        o.ObjectID,
		Title:     o.Title,
		Done:      o.Done,
		Revision:  o.Revision,
		SyncState: types.SyncStateSynced,
	}
	if o.CreatedAt != nil {
		t.CreatedAt = *o.CreatedAt
	}
	if o.UpdatedAt != nil {
		t.UpdatedAt = *o.UpdatedAt
	}
	return t
}

// writeResult is the body of a successful create or update.
type writeResult struct {
	ObjectID  string     `json:"objectId"`
	Revision  *int64     `json:"revision,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// errorBody is the body of a rejected call.
type errorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Create stores a new task with revision 1.
func (c *Client) Create(ctx context.Context, task types.Task) (types.RemoteAck, error) {
	body := map[string]any{
		"title":    task.Title,
		"done":     task.Done,
		"revision": 1,
	}

	var res writeResult
	if err := c.do(ctx, http.MethodPost, c.classPath(), nil, body, &res); err != nil {
		return types.RemoteAck{}, fmt.Errorf("create task: %w", err)
	}
	if res.ObjectID == "" {
		return types.RemoteAck{}, errors.New("create task: response has no objectId")
	}

	ack := types.RemoteAck{ID: res.ObjectID, Revision: 1}
	if res.Revision != nil {
		ack.Revision = *res.Revision
	}
	if res.CreatedAt != nil {
		ack.CreatedAt = *res.CreatedAt
		ack.UpdatedAt = *res.CreatedAt
	}
	return ack, nil
}

// List returns every task of the class ordered by creation time.
func (c *Client) List(ctx context.Context) ([]types.Task, error) {
	query := url.Values{}
	query.Set("order", "createdAt")
	query.Set("limit", strconv.Itoa(c.listLimit))

	var res struct {
		Results []object `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, c.classPath()+"?"+query.Encode(), nil, nil, &res); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]types.Task, 0, len(res.Results))
	for _, o := range res.Results {
		tasks = append(tasks, o.task())
	}
	return tasks, nil
}

// Get returns a single task.
func (c *Client) Get(ctx context.Context, id string) (types.Task, error) {
	var o object
	if err := c.do(ctx, http.MethodGet, c.objectPath(id), nil, nil, &o); err != nil {
		return types.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if o.ObjectID == "" {
		o.ObjectID = id
	}
	return o.task(), nil
}

// Update applies patch on top of revision and returns revision+1.
func (c *Client) Update(ctx context.Context, id string, patch types.Patch, revision int64) (types.RemoteAck, error) {
	body := map[string]any{"revision": revision + 1}
	if patch.Title != nil {
		body["title"] = *patch.Title
	}
	if patch.Done != nil {
		body["done"] = *patch.Done
	}

	var res writeResult
	if err := c.do(ctx, http.MethodPut, c.objectPath(id), ifMatch(revision), body, &res); err != nil {
		return types.RemoteAck{}, fmt.Errorf("update task %s: %w", id, err)
	}

	ack := types.RemoteAck{ID: id, Revision: revision + 1}
	if res.Revision != nil {
		ack.Revision = *res.Revision
	}
	if res.UpdatedAt != nil {
		ack.UpdatedAt = *res.UpdatedAt
	}
	return ack, nil
}

// Delete removes a task if revision is still current.
func (c *Client) Delete(ctx context.Context, id string, revision int64) error {
	if err := c.do(ctx, http.MethodDelete, c.objectPath(id), ifMatch(revision), nil, nil); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (c *Client) classPath() string {
	return "/classes/" + url.PathEscape(c.className)
}

func (c *Client) objectPath(id string) string {
	return c.classPath() + "/" + url.PathEscape(id)
}

func ifMatch(revision int64) http.Header {
	h := http.Header{}
	h.Set("If-Match", strconv.FormatInt(revision, 10))
	return h
}

// do performs one HTTP call and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("X-Parse-Application-Id", c.appID)
	if c.restKey != "" {
		req.Header.Set("X-Parse-REST-API-Key", c.restKey)
	}
	if token := remote.SessionToken(ctx); token != "" {
		req.Header.Set("X-Parse-Session-Token", token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("parse request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify turns a rejected response into a remote error.
func classify(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	statusErr := &remote.StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && (eb.Code != 0 || eb.Error != "") {
		statusErr.Code = eb.Code
		statusErr.Message = eb.Error
	}
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || statusErr.Code == codeObjectNotFound:
		return fmt.Errorf("%w: %w", remote.ErrNotFound, statusErr)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %w", remote.ErrStaleRevision, statusErr)
	case statusErr.Code == codeValidationFailed && strings.Contains(strings.ToLower(statusErr.Message), "revision"):
		return fmt.Errorf("%w: %w", remote.ErrStaleRevision, statusErr)
	}

	return statusErr
}
