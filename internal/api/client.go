package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"mnemo/internal/models"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	httpTimeoutEnvKey  = "MNEMO_HTTP_TIMEOUT"
)

// Client is a simple HTTP client for the mnemo API.
type Client struct {
	baseURL string
	http    *http.Client
	// transfer has no overall timeout; uploads and downloads are bounded by ctx.
	transfer *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: httpTimeoutFromEnv()},
		transfer: &http.Client{},
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) GetInfo(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, nil, &resp)
	return resp, err
}

func (c *Client) CreateNote(ctx context.Context, req NoteCreateRequest) (models.Note, error) {
	var resp models.Note
	err := c.do(ctx, http.MethodPost, "/v1/notes", nil, req, &resp)
	return resp, err
}

func (c *Client) GetNote(ctx context.Context, id string) (models.Note, error) {
	var resp models.Note
	err := c.do(ctx, http.MethodGet, "/v1/notes/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func (c *Client) ListNoteAttachments(ctx context.Context, noteID string) ([]models.Attachment, error) {
	var resp []models.Attachment
	err := c.do(ctx, http.MethodGet, "/v1/notes/"+url.PathEscape(noteID)+"/attachments", nil, nil, &resp)
	return resp, err
}

// RequestUpload performs the first half of the upload handshake.
func (c *Client) RequestUpload(ctx context.Context, req UploadRequest) (UploadTicketResponse, error) {
	var resp UploadTicketResponse
	err := c.do(ctx, http.MethodPost, "/v1/uploads", nil, req, &resp)
	return resp, err
}

// Upload streams content as the multipart "content" field to the ticket's endpoint.
func (c *Client) Upload(ctx context.Context, token, filename string, content io.Reader) (AttachmentResponse, error) {
	var resp AttachmentResponse
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("content", filename)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/"+url.PathEscape(token), pr)
	if err != nil {
		_ = pr.Close()
		return resp, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = send(c.transfer, req, decodeInto(&resp))
	return resp, err
}

func (c *Client) GetAttachment(ctx context.Context, id string) (AttachmentResponse, error) {
	var resp AttachmentResponse
	err := c.do(ctx, http.MethodGet, attachmentPath(id), nil, nil, &resp)
	return resp, err
}

func (c *Client) DeleteAttachment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, attachmentPath(id), nil, nil, nil)
}

func (c *Client) RetryAttachment(ctx context.Context, id string) (RetryResponse, error) {
	var resp RetryResponse
	err := c.do(ctx, http.MethodPost, attachmentPath(id, "/retry"), nil, nil, &resp)
	return resp, err
}

func (c *Client) ListAttachmentJobs(ctx context.Context, id string) ([]models.ExtractionJob, error) {
	var resp []models.ExtractionJob
	err := c.do(ctx, http.MethodGet, attachmentPath(id, "/jobs"), nil, nil, &resp)
	return resp, err
}

func (c *Client) GetCaptureFacts(ctx context.Context, id string) (models.CaptureFacts, error) {
	var resp models.CaptureFacts
	err := c.do(ctx, http.MethodGet, attachmentPath(id, "/capture-facts"), nil, nil, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id string) (models.ExtractionJob, error) {
	var resp models.ExtractionJob
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// JobPauseState reports whether workers are claiming jobs.
func (c *Client) JobPauseState(ctx context.Context) (JobPauseResponse, error) {
	var resp JobPauseResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/pause-state", nil, nil, &resp)
	return resp, err
}

// SetJobsPaused pauses or resumes job processing for every worker.
func (c *Client) SetJobsPaused(ctx context.Context, paused bool) (JobPauseResponse, error) {
	path := "/v1/jobs/resume"
	if paused {
		path = "/v1/jobs/pause"
	}
	var resp JobPauseResponse
	err := c.do(ctx, http.MethodPost, path, nil, nil, &resp)
	return resp, err
}

// RequestDownload performs the first half of the download handshake.
func (c *Client) RequestDownload(ctx context.Context, id string) (DownloadTicketResponse, error) {
	var resp DownloadTicketResponse
	err := c.do(ctx, http.MethodPost, attachmentPath(id, "/download-url"), nil, nil, &resp)
	return resp, err
}

// Download copies the bytes behind a download ticket to w.
func (c *Client) Download(ctx context.Context, token string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/downloads/"+url.PathEscape(token), nil)
	if err != nil {
		return 0, err
	}
	var n int64
	err = send(c.transfer, req, func(resp *http.Response) error {
		var copyErr error
		n, copyErr = io.Copy(w, resp.Body)
		return copyErr
	})
	return n, err
}

func (c *Client) DocumentTypes(ctx context.Context) ([]models.DocumentType, error) {
	var resp []models.DocumentType
	err := c.do(ctx, http.MethodGet, "/v1/document-types", nil, nil, &resp)
	return resp, err
}

func (c *Client) Backends(ctx context.Context) (BackendsResponse, error) {
	var resp BackendsResponse
	err := c.do(ctx, http.MethodGet, "/v1/backends", nil, nil, &resp)
	return resp, err
}

func (c *Client) GCBlobs(ctx context.Context, req BlobGCRequest) (BlobGCResponse, error) {
	var resp BlobGCResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/gc-blobs", nil, req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(c.http, req, decodeInto(out))
}

// send performs req and hands a successful body to handle. Error statuses
// become *APIError.
func send(hc *http.Client, req *http.Request, handle func(*http.Response) error) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	return handle(resp)
}

func decodeInto(out any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func attachmentPath(id string, suffix ...string) string {
	return "/v1/attachments/" + url.PathEscape(id) + strings.Join(suffix, "")
}

func decodeError(resp *http.Response) error {
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: "api error: " + resp.Status}
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      body.Code,
		ErrorCode: body.ErrorCode,
		Message:   body.Error,
	}
}

// httpTimeoutFromEnv accepts a Go duration or a whole number of seconds.
func httpTimeoutFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultHTTPTimeout
}
