package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

// DefaultTimeout bounds every request API call.
const DefaultTimeout = 30 * time.Second

// Client talks to the request API.
type Client struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
	resolver   *Resolver
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithResolver sets the resolver used to canonicalize message authors.
func WithResolver(r *Resolver) ClientOption {
	return func(c *Client) { c.resolver = r }
}

// NewClient creates a request API client for baseURL. Every request carries
// the current token of creds.
func NewClient(baseURL string, creds CredentialProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = NewResolver()
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.creds == nil {
		return ErrMissingCredential
	}
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req *http.Request) (*Result, error) {
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}
	return decodeResult(resp.StatusCode, data)
}

// decodeResult maps a response to the envelope. Failures become *APIError
// carrying the HTTP status.
func decodeResult(status int, data []byte) (*Result, error) {
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: snippet(data), Status: status}
		}
		return nil, err
	}
	if !result.OK || status >= 400 {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return nil, apiErr
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *Client) decodeMessage(result *Result) (Message, error) {
	var w wireMessage
	if err := result.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return c.resolver.decodeMessage(w), nil
}

// ============================================================================
// Messages API
// ============================================================================

// SendRequest is the body of a text or structured send.
type SendRequest struct {
	ConversationID string         `json:"conversationId"`
	LocalID        string         `json:"localId"`
	Kind           MessageKind    `json:"kind"`
	Content        string         `json:"content,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Send submits a message. The server echoes LocalID in the result.
func (c *Client) Send(ctx context.Context, req SendRequest) (Message, error) {
	result, err := c.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return Message{}, err
	}
	return c.decodeMessage(result)
}

// FileUpload describes a media send.
type FileUpload struct {
	ConversationID string
	LocalID        string
	Kind           MessageKind
	Name           string
	MimeType       string
	Size           int64
	Body           io.Reader
	// OnProgress is called with the bytes written so far and Size.
	OnProgress func(sent, total int64)
}

// SendFile streams a media message as multipart/form-data.
func (c *Client) SendFile(ctx context.Context, up FileUpload) (Message, error) {
	if up.Body == nil {
		return Message{}, errors.New("file upload has no body")
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(up.Name)
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(w, up, mimeType))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/file", pr)
	if err != nil {
		pr.CloseWithError(err)
		return Message{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	result, err := c.send(ctx, req)
	// unblock the writer if the request ended before the body was consumed
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return Message{}, err
	}
	return c.decodeMessage(result)
}

func writeUpload(w *multipart.Writer, up FileUpload, mimeType string) error {
	fields := map[string]string{
		"conversationId": up.ConversationID,
		"localId":        up.LocalID,
		"kind":           string(up.Kind),
		"mimeType":       mimeType,
	}
	for _, k := range []string{"conversationId", "localId", "kind", "mimeType"} {
		if err := w.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(up.Name))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	body := io.Reader(up.Body)
	if up.OnProgress != nil {
		body = &progressReader{r: up.Body, total: up.Size, fn: up.OnProgress}
	}
	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	return w.Close()
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

// FetchHistory returns up to pageSize messages of conversationID older than
// cursor, or the newest page when cursor is empty.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) ([]Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	result, err := c.doRequest(ctx, http.MethodGet, "/messages", nil, q)
	if err != nil {
		return nil, err
	}
	var page []wireMessage
	if err := result.Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	out := make([]Message, len(page))
	for i, w := range page {
		out[i] = c.resolver.decodeMessage(w)
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// Delete deletes a message.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// React adds a reaction of kind to a message.
func (c *Client) React(ctx context.Context, messageID, kind string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions",
		map[string]string{"kind": kind}, nil)
	return err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic", ".mov": "video/quicktime",
		".mp4": "video/mp4", ".mp3": "audio/mpeg", ".zip": "application/zip",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
