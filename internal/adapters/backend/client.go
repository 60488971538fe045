// Package backend talks to the document server over HTTP.
package backend

import (
	"context"
	"docviewer/internal/adapters/util"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	_ ports.DocumentBackend = (*Client)(nil)
	_ ports.BookmarkBackend = (*Client)(nil)
	_ ports.LicenseBackend  = (*Client)(nil)
	_ ports.DownloadBackend = (*Client)(nil)
)

const DefaultDownloadName = "watermarked_document.pdf"

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	maxSize  int64
}

type Options struct {
	Username string
	Password string
	// MaxDocumentBytes bounds document payloads; 0 means unlimited.
	MaxDocumentBytes int64
	Retries          int
	LogLevel         string
	Timeout          time.Duration
}

func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		client: &http.Client{
			Transport: &util.RetryTransport{
				MaxRetries: opts.Retries,
				Base:       &util.LoggingTransport{LogLevel: opts.LogLevel},
			},
			Timeout: timeout,
		},
		maxSize: opts.MaxDocumentBytes,
	}
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, target string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target, err)
	}
	return nil
}

func (c *Client) DocumentInfo(ctx context.Context, documentID string) (models.DocumentInfo, error) {
	var info models.DocumentInfo
	err := c.getJSON(ctx, c.endpoint("documents", "info", documentID), &info)
	return info, err
}

// DocumentPayload downloads the raw document, refusing payloads larger than
// the configured limit.
func (c *Client) DocumentPayload(ctx context.Context, documentID string) ([]byte, error) {
	target := c.endpoint("documents", "view", documentID)
	resp, err := c.do(ctx, http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if c.maxSize > 0 && resp.ContentLength > c.maxSize {
		return nil, fmt.Errorf("document %s is %d bytes, limit is %d", documentID, resp.ContentLength, c.maxSize)
	}

	var r io.Reader = resp.Body
	if c.maxSize > 0 {
		r = io.LimitReader(resp.Body, c.maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", documentID, err)
	}
	if c.maxSize > 0 && int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("document %s exceeds limit of %d bytes", documentID, c.maxSize)
	}
	return data, nil
}

// wireBookmark accepts both the short and the entity field names.
type wireBookmark struct {
	ID           int64  `json:"id"`
	Page         int    `json:"page"`
	PageNumber   int    `json:"pageNumber"`
	Name         string `json:"name"`
	BookmarkName string `json:"bookmarkName"`
	CreatedAt    string `json:"createdAt"`
}

func (w wireBookmark) toModel(documentID string) models.Bookmark {
	b := models.Bookmark{ID: w.ID, DocumentID: documentID, Page: w.Page, Name: w.Name}
	if b.Page == 0 {
		b.Page = w.PageNumber
	}
	if b.Name == "" {
		b.Name = w.BookmarkName
	}
	b.CreatedAt = parseTimestamp(w.CreatedAt)
	return b
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (c *Client) ListBookmarks(ctx context.Context, documentID string) ([]models.Bookmark, error) {
	var wire []wireBookmark
	if err := c.getJSON(ctx, c.endpoint("documents", "bookmarks", documentID), &wire); err != nil {
		return nil, err
	}
	out := make([]models.Bookmark, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toModel(documentID))
	}
	return out, nil
}

// CreateBookmark maps a 409 response to models.ErrDuplicateBookmark.
func (c *Client) CreateBookmark(ctx context.Context, documentID string, page int, name string) (models.Bookmark, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("name", name)
	target := c.endpoint("documents", "bookmark", documentID) + "?" + q.Encode()

	resp, err := c.do(ctx, http.MethodPost, target)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			return models.Bookmark{}, fmt.Errorf("page %d: %w", page, models.ErrDuplicateBookmark)
		}
		return models.Bookmark{}, err
	}
	defer resp.Body.Close()

	var w wireBookmark
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return models.Bookmark{}, fmt.Errorf("failed to decode bookmark: %w", err)
	}
	b := w.toModel(documentID)
	if b.Page == 0 {
		b.Page = page
	}
	if b.Name == "" {
		b.Name = name
	}
	return b, nil
}

func (c *Client) DeleteBookmark(ctx context.Context, bookmarkID int64) error {
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("documents", "bookmark", "delete", strconv.FormatInt(bookmarkID, 10)))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) LicenseStatus(ctx context.Context) (models.LicenseSnapshot, error) {
	var snap models.LicenseSnapshot
	err := c.getJSON(ctx, c.endpoint("api", "license", "status"), &snap)
	return snap, err
}

// DownloadWatermarked returns the server-watermarked document. The caller
// closes body.
func (c *Client) DownloadWatermarked(ctx context.Context, documentID string) (string, io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("documents", "download-watermarked", documentID))
	if err != nil {
		return "", nil, err
	}
	return FilenameFromDisposition(resp.Header.Get("Content-Disposition")), resp.Body, nil
}

// FilenameFromDisposition extracts a safe base filename, falling back to
// DefaultDownloadName.
func FilenameFromDisposition(header string) string {
	if header == "" {
		return DefaultDownloadName
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return DefaultDownloadName
	}
	name := path.Base(strings.ReplaceAll(params["filename"], `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return DefaultDownloadName
	}
	return name
}
