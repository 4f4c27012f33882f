// Package telegram is a minimal Bot API client for sending media.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

// Target is where a message goes.
type Target struct {
	ChatID string

	// ThreadID posts into a forum topic when non-zero.
	ThreadID int64
}

// Timeouts bound one API call.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// Total is the overall deadline for a call.
func (t Timeouts) Total() time.Duration {
	return t.Connect + t.Pool + t.Write + t.Read
}

// Message is the part of a sent message the pipeline keeps.
type Message struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// MediaType is an album item type.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// MediaItem is one album entry.
type MediaItem struct {
	Type    MediaType
	Path    string
	Caption string
}

// APIError is a Bot API failure response.
type APIError struct {
	Method      string
	Code        int
	Description string

	// RetryAfter is set on flood-control errors.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Client sends media through the Bot API.
type Client struct {
	apiURL    string
	token     string
	transport *http.Transport
}

// NewClient creates a Bot API client. If apiURL is empty, it defaults to
// https://api.telegram.org.
func NewClient(apiURL, token string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiURL:    strings.TrimRight(apiURL, "/"),
		token:     token,
		transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// SendVideo uploads a video as a streamable message.
func (c *Client) SendVideo(ctx context.Context, to Target, path, caption string, t Timeouts) (*Message, error) {
	fields := map[string]string{"supports_streaming": "true"}
	return c.sendSingle(ctx, "sendVideo", "video", to, path, caption, fields, t)
}

// SendAudio uploads an audio file.
func (c *Client) SendAudio(ctx context.Context, to Target, path, caption string, t Timeouts) (*Message, error) {
	return c.sendSingle(ctx, "sendAudio", "audio", to, path, caption, nil, t)
}

// SendPhoto uploads a single image.
func (c *Client) SendPhoto(ctx context.Context, to Target, path, caption string, t Timeouts) (*Message, error) {
	return c.sendSingle(ctx, "sendPhoto", "photo", to, path, caption, nil, t)
}

// SendMediaGroup uploads 2 to 10 items as one album.
func (c *Client) SendMediaGroup(ctx context.Context, to Target, items []MediaItem, t Timeouts) ([]Message, error) {
	type inputMedia struct {
		Type    MediaType `json:"type"`
		Media   string    `json:"media"`
		Caption string    `json:"caption,omitempty"`
	}

	media := make([]inputMedia, len(items))
	files := make([]filePart, len(items))
	for i, item := range items {
		field := fmt.Sprintf("file%d", i)
		media[i] = inputMedia{Type: item.Type, Media: "attach://" + field, Caption: item.Caption}
		files[i] = filePart{field: field, path: item.Path}
	}
	payload, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("marshal media: %w", err)
	}

	fields := targetFields(to)
	fields["media"] = string(payload)

	var result []Message
	if err := c.upload(ctx, "sendMediaGroup", fields, files, t, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) sendSingle(ctx context.Context, method, field string, to Target, path, caption string, extra map[string]string, t Timeouts) (*Message, error) {
	fields := targetFields(to)
	if caption != "" {
		fields["caption"] = caption
	}
	for k, v := range extra {
		fields[k] = v
	}

	var result Message
	if err := c.upload(ctx, method, fields, []filePart{{field: field, path: path}}, t, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func targetFields(to Target) map[string]string {
	fields := map[string]string{"chat_id": to.ChatID}
	if to.ThreadID != 0 {
		fields["message_thread_id"] = strconv.FormatInt(to.ThreadID, 10)
	}
	return fields
}

type filePart struct {
	field string
	path  string
}

// upload streams a multipart request. Each file is opened just before it is
// written to the body and closed right after.
func (c *Client) upload(ctx context.Context, method string, fields map[string]string, files []filePart, t Timeouts, result any) error {
	for _, f := range files {
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client, closeIdle := c.httpClient(t)
	defer closeIdle()

	resp, err := client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%s: send request: %w", method, err)
	}
	defer resp.Body.Close()

	return decode(method, resp, result)
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, files []filePart) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := copyFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(mw *multipart.Writer, f filePart) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()

	part, err := mw.CreateFormFile(f.field, filepath.Base(f.path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
}

// httpClient builds a client bounded by t. The returned func releases its
// idle connections.
func (c *Client) httpClient(t Timeouts) (*http.Client, func()) {
	tr := c.transport.Clone()
	dialer := &net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}
	tr.DialContext = dialer.DialContext
	tr.TLSHandshakeTimeout = t.Connect
	tr.ResponseHeaderTimeout = t.Read
	tr.IdleConnTimeout = t.Pool

	return &http.Client{Transport: tr, Timeout: t.Total()}, tr.CloseIdleConnections
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func decode(method string, resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: strings.TrimSpace(string(body))}
	}
	if !r.OK {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if result != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}
