// Package remote connects the sync core to a messaging gateway: Client
// implements msgsync.API over the REST routes and Push implements
// msgsync.PushTransport over the websocket stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinicmsg/internal/msgsync"
)

const (
	apiPrefix = "/api/v1"

	defaultTimeout           = 30 * time.Second
	defaultHistoryLimit      = 100
	defaultUploadConcurrency = 4
	listPageSize             = 200
)

// StatusError is a non-2xx response from the gateway.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client calls the messaging gateway's REST API.
type Client struct {
	baseURL           string
	token             string
	http              *http.Client
	historyLimit      int
	uploadConcurrency int
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

// WithHistoryLimit sets how many recent messages GetThread asks for.
func WithHistoryLimit(n int) ClientOption { return func(c *Client) { c.historyLimit = n } }

// WithUploadConcurrency bounds parallel file uploads.
func WithUploadConcurrency(n int) ClientOption {
	return func(c *Client) { c.uploadConcurrency = n }
}

// NewClient returns a Client for the gateway at baseURL, authenticating with
// a bearer token when token is not empty.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		token:             token,
		http:              &http.Client{Timeout: defaultTimeout},
		historyLimit:      defaultHistoryLimit,
		uploadConcurrency: defaultUploadConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ msgsync.API = (*Client)(nil)

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is not nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var body struct {
			Message string `json:"message"`
		}
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(data, &body) == nil {
			se.Message = body.Message
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, se)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

type threadPage struct {
	Data    []msgsync.ThreadSummary `json:"data"`
	HasMore bool                    `json:"has_more"`
}

// ListThreads pages through every thread with the given archived flag.
func (c *Client) ListThreads(ctx context.Context, archived bool) ([]msgsync.ThreadSummary, error) {
	var out []msgsync.ThreadSummary
	for offset := 0; ; offset += listPageSize {
		q := url.Values{}
		q.Set("archived", strconv.FormatBool(archived))
		q.Set("limit", strconv.Itoa(listPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page threadPage
		if err := c.getJSON(ctx, "/threads?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
	}
}

func (c *Client) GetThread(ctx context.Context, threadID string) (*msgsync.ThreadDetail, error) {
	var detail msgsync.ThreadDetail
	path := fmt.Sprintf("/threads/%s?limit=%d", url.PathEscape(threadID), c.historyLimit)
	if err := c.getJSON(ctx, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

type sendRequest struct {
	Content     string               `json:"content"`
	Attachments []msgsync.Attachment `json:"attachments,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, threadID, content string, attachments []msgsync.Attachment) (*msgsync.RawMessage, error) {
	var raw msgsync.RawMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.postJSON(ctx, path, sendRequest{Content: content, Attachments: attachments}, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (c *Client) ArchiveThread(ctx context.Context, threadID string) error {
	return c.postJSON(ctx, "/threads/"+url.PathEscape(threadID)+"/archive", nil, nil)
}

func (c *Client) GetPatient(ctx context.Context, patientID string) (*msgsync.Patient, error) {
	var p msgsync.Patient
	if err := c.getJSON(ctx, "/patients/"+url.PathEscape(patientID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UploadFiles uploads each file in its own request, a few at a time. The
// returned attachments are in the order of files. The first failure cancels
// the remaining uploads.
func (c *Client) UploadFiles(ctx context.Context, files []msgsync.FileUpload) ([]msgsync.Attachment, error) {
	out := make([]msgsync.Attachment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.uploadConcurrency, 1))
	for i, f := range files {
		g.Go(func() error {
			att, err := c.uploadOne(gctx, f)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			out[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) uploadOne(ctx context.Context, f msgsync.FileUpload) (msgsync.Attachment, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return msgsync.Attachment{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return msgsync.Attachment{}, err
	}
	if err := w.Close(); err != nil {
		return msgsync.Attachment{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/uploads", &body)
	if err != nil {
		return msgsync.Attachment{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp struct {
		Attachments []msgsync.RawAttachment `json:"attachments"`
	}
	if err := c.do(req, &resp); err != nil {
		return msgsync.Attachment{}, err
	}
	if len(resp.Attachments) != 1 {
		return msgsync.Attachment{}, fmt.Errorf("expected 1 attachment, gateway returned %d", len(resp.Attachments))
	}
	a := resp.Attachments[0]
	return msgsync.Attachment{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      msgsync.ParseAttachmentKind(a.Kind),
		URL:       a.URL,
		SizeBytes: a.SizeBytes,
	}, nil
}
