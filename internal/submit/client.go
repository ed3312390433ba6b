// Package submit implements the upload half of the harness: one multipart
// POST per submission against the background-removal service, returning the
// server-assigned task key. Retry policy deliberately lives with the caller.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/bgprobe/internal/metrics"
	"github.com/osvaldoandrade/bgprobe/internal/tracing"
	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

// TransportError wraps a network-level failure (connection refused, timeout).
// The operation may be retried by the caller.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejected is any non-200 response. The body is kept as opaque text
// for diagnostics and the submission is not retried automatically.
type RemoteRejected struct {
	Status int
	Body   string
}

func (e *RemoteRejected) Error() string {
	return fmt.Sprintf("remote rejected upload (%d): %s", e.Status, e.Body)
}

// MalformedResponse is an HTTP 200 whose body does not carry the expected
// data.key field. Permanent failure for that submission.
type MalformedResponse struct {
	Reason string
}

func (e *MalformedResponse) Error() string { return "malformed upload response: " + e.Reason }

type Options struct {
	BaseURL        string
	UploadPath     string
	AuthUploadPath string
	DetailsPath    string
	APIKey         string
	Timeout        time.Duration
}

type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UploadPath == "" {
		opts.UploadPath = "/v1/bp/u/"
	}
	if opts.AuthUploadPath == "" {
		opts.AuthUploadPath = "/v1/remove-background/upload/"
	}
	if opts.DetailsPath == "" {
		opts.DetailsPath = "/v1/remove-background/details/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

type uploadResponse struct {
	Status string `json:"status"`
	Data   struct {
		Key string `json:"key"`
	} `json:"data"`
}

// Submit uploads one image and returns the server-assigned task key. Exactly
// one outbound call is made; no shared state is touched.
func (c *Client) Submit(ctx context.Context, req domain.SubmissionRequest) (string, error) {
	if len(req.Payload) == 0 {
		return "", &MalformedResponse{Reason: "empty payload"}
	}
	if strings.TrimSpace(req.TaskGroup) == "" {
		return "", errors.New("task group is required")
	}

	body, contentType, err := encodeForm(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL(), body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", contentType)
	tracing.InjectHeaders(ctx, httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("transport_error").Inc()
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("upload rejected",
			"submission", req.SubmissionID,
			"status", resp.StatusCode)
		return "", &RemoteRejected{Status: resp.StatusCode, Body: string(raw)}
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("malformed").Inc()
		return "", &MalformedResponse{Reason: "body is not valid JSON"}
	}
	if strings.TrimSpace(out.Data.Key) == "" {
		metrics.SubmissionsTotal.WithLabelValues("malformed").Inc()
		return "", &MalformedResponse{Reason: "missing data.key"}
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	c.logger.Debug("upload accepted",
		"submission", req.SubmissionID,
		"task", out.Data.Key)
	return out.Data.Key, nil
}

// TaskDetails fetches the stored task record for a key. Returned as raw JSON;
// the harness only prints it.
func (c *Client) TaskDetails(ctx context.Context, taskID string) (json.RawMessage, error) {
	u := c.opts.BaseURL + c.opts.DetailsPath + url.PathEscape(taskID) + "/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteRejected{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// uploadURL picks the API-key upload variant when a key is configured.
func (c *Client) uploadURL() string {
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return c.opts.BaseURL + c.opts.UploadPath
	}
	return c.opts.BaseURL + c.opts.AuthUploadPath + "?api_key=" + url.QueryEscape(c.opts.APIKey)
}

func encodeForm(req domain.SubmissionRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := req.FileName
	if name == "" {
		name = "original.jpg"
	}
	part, err := w.CreateFormFile("original_image", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("task_group", req.TaskGroup); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("country", req.Country); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
