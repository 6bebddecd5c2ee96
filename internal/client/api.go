// Package client keeps a discussion's forest in step with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"qaforum/api/internal/attachment"
	"qaforum/api/internal/qa"
)

const maxResponseBody = 8 << 20

// TokenSource returns the current bearer token, or "" when signed out.
type TokenSource func() string

type Options struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	// ReadRetries bounds retries of GET requests. Writes are never retried.
	ReadRetries  int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// API is a thin client for the /qa endpoints.
type API struct {
	base   string
	token  TokenSource
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
}

func NewAPI(opts Options) *API {
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 2 * time.Second
	}

	newClient := func(retries int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.HTTPClient = opts.HTTPClient
		c.Logger = opts.Logger.With("component", "qa-client")
		c.RetryMax = retries
		c.RetryWaitMin = opts.RetryWaitMin
		c.RetryWaitMax = opts.RetryWaitMax
		c.ErrorHandler = keepResponse
		return c
	}

	return &API{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		token:  opts.Token,
		reads:  newClient(opts.ReadRetries),
		writes: newClient(0),
	}
}

// keepResponse hands the last response back once retries run out so the
// server's reason can be reported.
func keepResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// PostForm is the body of POST /qa.
type PostForm struct {
	CollaborationID string
	ParentID        string
	Text            string
	File            *attachment.File
}

// EditForm is the body of PUT /qa/{id}.
type EditForm struct {
	CollaborationID  string
	Text             string
	File             *attachment.File
	RemoveAttachment bool
}

func (a *API) List(ctx context.Context, contextID string) (qa.Forest, error) {
	var forest qa.Forest
	if err := a.do(ctx, a.reads, "load", http.MethodGet, "/qa/"+url.PathEscape(contextID), "", nil, &forest); err != nil {
		return nil, err
	}
	if forest == nil {
		forest = qa.Forest{}
	}
	return forest, nil
}

func (a *API) Create(ctx context.Context, form PostForm) (qa.Item, error) {
	fields := [][2]string{
		{"text", form.Text},
		{"collaboration_id", form.CollaborationID},
	}
	if form.ParentID != "" {
		fields = append(fields, [2]string{"parent_id", form.ParentID})
	}
	body, contentType, err := encodeMultipart(fields, form.File)
	if err != nil {
		return qa.Item{}, err
	}
	var item qa.Item
	err = a.do(ctx, a.writes, "create", http.MethodPost, "/qa", contentType, body, &item)
	return item, err
}

func (a *API) Update(ctx context.Context, id string, form EditForm) (qa.Item, error) {
	fields := [][2]string{
		{"text", form.Text},
		{"collaboration_id", form.CollaborationID},
	}
	if form.File == nil && form.RemoveAttachment {
		fields = append(fields, [2]string{"remove_attachment", "true"})
	}
	body, contentType, err := encodeMultipart(fields, form.File)
	if err != nil {
		return qa.Item{}, err
	}
	var item qa.Item
	err = a.do(ctx, a.writes, "update", http.MethodPut, "/qa/"+url.PathEscape(id), contentType, body, &item)
	return item, err
}

func (a *API) Delete(ctx context.Context, id string) error {
	return a.do(ctx, a.writes, "delete", http.MethodDelete, "/qa/"+url.PathEscape(id), "", nil, nil)
}

// LiveURL is the websocket address of a discussion's event feed.
func (a *API) LiveURL(contextID string) string {
	base := a.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/qa/" + url.PathEscape(contextID) + "/live"
}

func (a *API) authHeader() http.Header {
	header := http.Header{}
	if token := a.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (a *API) do(ctx context.Context, c *retryablehttp.Client, op, method, path, contentType string, body []byte, out any) error {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.base+path, raw)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	for key, values := range a.authHeader() {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RequestError{Status: resp.StatusCode, Err: fmt.Errorf("%s: decode response: %w", op, err)}
	}
	return nil
}

// statusError reads the reason from either {"message"} or {"error"}.
func statusError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	reason := strings.TrimSpace(payload.Message)
	if reason == "" {
		reason = strings.TrimSpace(payload.Error)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthorizationError{Status: status, Reason: reason}
	}
	return &RequestError{Status: status, Reason: reason}
}

func encodeMultipart(fields [][2]string, file *attachment.File) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field[0], err)
		}
	}
	if file != nil {
		if err := writeFile(writer, file); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func writeFile(writer *multipart.Writer, file *attachment.File) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", file.Name, err)
	}
	defer src.Close()
	part, err := writer.CreateFormFile("attachment", file.Name)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("read attachment %s: %w", file.Name, err)
	}
	return nil
}
