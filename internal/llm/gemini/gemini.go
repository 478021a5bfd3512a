// Package gemini implements llm.Client against the Gemini REST API
// (Files API upload plus generateContent).
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/types"
)

var _ llm.Client = (*Client)(nil)

const (
	// Headers
	headerContentType     = "Content-Type"
	headerAPIKey          = "x-goog-api-key" // #nosec G101 - header name constant, not a credential
	headerUploadProtocol  = "X-Goog-Upload-Protocol"
	headerUploadCommand   = "X-Goog-Upload-Command"
	headerUploadURL       = "X-Goog-Upload-URL"
	headerUploadOffset    = "X-Goog-Upload-Offset"
	headerUploadRawLength = "X-Goog-Upload-Header-Content-Length"
	headerUploadRawType   = "X-Goog-Upload-Header-Content-Type"

	// Endpoints
	endpointUpload = "upload/v1beta/files"
	apiVersion     = "v1beta"

	// File states
	stateActive = "ACTIVE"
	stateFailed = "FAILED"

	errorSnippetLimit = 400
	baseRetryDelay    = time.Second
	maxRetryDelay     = 30 * time.Second
)

// Client talks to the Gemini API.
type Client struct {
	httpClient   *http.Client
	log          *slog.Logger
	baseURL      string
	apiKey       string
	model        string
	pollAttempts int
	pollInterval time.Duration
	extractTemp  float32
	describeTemp float32
	maxTokens    int
	maxRetries   int
	retryBase    time.Duration
}

// New creates a Gemini client.
func New(cfg config.GeminiSettings, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		pollAttempts: max(cfg.PollAttempts, 1),
		pollInterval: cfg.PollInterval,
		extractTemp:  cfg.ExtractTemperature,
		describeTemp: cfg.DescribeTemperature,
		maxTokens:    cfg.MaxOutputTokens,
		maxRetries:   max(cfg.MaxRetries, 1),
		retryBase:    baseRetryDelay,
	}
}

// Upload performs a resumable upload and polls until the file is ACTIVE.
// The media is streamed from disk; remote locations are downloaded to a
// temporary file first.
func (c *Client) Upload(ctx context.Context, m llm.Media) (llm.File, error) {
	path, size, cleanup, err := localMedia(ctx, m.Location)
	if err != nil {
		return llm.File{}, err
	}
	defer cleanup()
	if size == 0 {
		return llm.File{}, errors.New("upload: media is empty")
	}
	name := m.DisplayName
	if name == "" {
		name = filepath.Base(m.Location)
	}

	sessionURL, err := c.startUpload(ctx, name, m.MimeType, size)
	if err != nil {
		return llm.File{}, err
	}
	f, err := c.finishUpload(ctx, sessionURL, path, size)
	if err != nil {
		return llm.File{}, err
	}
	c.log.Debug("media uploaded", "file", f.Name, "bytes", size)
	return c.waitActive(ctx, f)
}

func (c *Client) startUpload(ctx context.Context, displayName, mime string, size int64) (string, error) {
	body, err := json.Marshal(uploadStartRequest{File: uploadFileMeta{DisplayName: displayName}})
	if err != nil {
		return "", fmt.Errorf("marshal upload start: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, endpointUpload)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	resp, _, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerContentType, common.ContentTypeJSON)
		req.Header.Set(headerUploadProtocol, "resumable")
		req.Header.Set(headerUploadCommand, "start")
		req.Header.Set(headerUploadRawLength, strconv.FormatInt(size, 10))
		req.Header.Set(headerUploadRawType, mime)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("start upload: %w", err)
	}
	session := resp.Header.Get(headerUploadURL)
	if session == "" {
		return "", errors.New("start upload: no upload url returned")
	}
	return session, nil
}

// finishUpload sends the file in one request. Each attempt reopens the file
// because the transport closes the request body.
func (c *Client) finishUpload(ctx context.Context, sessionURL, path string, size int64) (llm.File, error) {
	_, body, err := c.do(ctx, func() (*http.Request, error) {
		f, err := os.Open(path) // #nosec G304 - path is a job-scoped media file
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		req.ContentLength = size
		req.Header.Set(headerUploadOffset, "0")
		req.Header.Set(headerUploadCommand, "upload, finalize")
		return req, nil
	})
	if err != nil {
		return llm.File{}, fmt.Errorf("upload bytes: %w", err)
	}
	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return llm.File{}, fmt.Errorf("parse upload response: %w", err)
	}
	if out.File.Name == "" {
		return llm.File{}, errors.New("upload bytes: response has no file name")
	}
	return out.File.toFile(), nil
}

// waitActive polls the file resource a bounded number of times.
func (c *Client) waitActive(ctx context.Context, f llm.File) (llm.File, error) {
	u, err := url.JoinPath(c.baseURL, apiVersion, f.Name)
	if err != nil {
		return llm.File{}, fmt.Errorf("join url: %w", err)
	}
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		_, body, err := c.do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		})
		if err != nil {
			return llm.File{}, fmt.Errorf("poll file state: %w", err)
		}
		var res fileResource
		if err := json.Unmarshal(body, &res); err != nil {
			return llm.File{}, fmt.Errorf("parse file state: %w", err)
		}
		switch res.State {
		case stateActive:
			return res.toFile(), nil
		case stateFailed:
			msg := "unknown error"
			if res.Error != nil && res.Error.Message != "" {
				msg = res.Error.Message
			}
			return llm.File{}, fmt.Errorf("media processing failed: %s", msg)
		}
		if attempt < c.pollAttempts {
			if err := sleep(ctx, c.pollInterval); err != nil {
				return llm.File{}, err
			}
		}
	}
	return llm.File{}, fmt.Errorf("%w after %d checks of %s", llm.ErrProcessingTimeout, c.pollAttempts, f.Name)
}

// Transcribe returns the transcript or common.TranscriptUnavailable.
func (c *Client) Transcribe(ctx context.Context, f llm.File) string {
	text, err := c.generate(ctx, f, transcribePrompt, c.extractTemp, "")
	if err != nil {
		c.log.Warn("transcription unavailable", "file", f.Name, "err", err)
		return common.TranscriptUnavailable
	}
	return text
}

// ExtractSegments asks for a JSON array of segments at low temperature.
func (c *Client) ExtractSegments(ctx context.Context, f llm.File, req llm.ExtractRequest) (string, error) {
	text, err := c.generate(ctx, f, extractPrompt(req), c.extractTemp, common.ContentTypeJSON)
	if err != nil {
		return "", fmt.Errorf("extract segments: %w", err)
	}
	return text, nil
}

// Describe summarizes the selected segments at a higher temperature.
func (c *Client) Describe(ctx context.Context, f llm.File, segs []types.Segment) (string, error) {
	text, err := c.generate(ctx, f, describePrompt(segs), c.describeTemp, "")
	if err != nil {
		return "", fmt.Errorf("describe: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Release deletes the uploaded file.
func (c *Client) Release(ctx context.Context, f llm.File) error {
	if f.Name == "" {
		return nil
	}
	u, err := url.JoinPath(c.baseURL, apiVersion, f.Name)
	if err != nil {
		return fmt.Errorf("join url: %w", err)
	}
	_, _, err = c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", f.Name, err)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, f llm.File, prompt string, temperature float32, responseMime string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{FileData: &fileData{MimeType: f.MimeType, FileURI: f.URI}},
				{Text: prompt},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      &temperature,
			MaxOutputTokens:  optionalInt(c.maxTokens),
			ResponseMimeType: responseMime,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, apiVersion, "models", c.model+":generateContent")
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	_, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerContentType, common.ContentTypeJSON)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return "", errors.New("empty completion")
	}
	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("empty completion (finish reason %s)", out.Candidates[0].FinishReason)
	}
	return b.String(), nil
}

// do sends the request built by build, retrying on 408, 429, 5xx and
// transport errors with exponential backoff.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set(headerAPIKey, c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http do: %s", redactSecrets(err.Error(), c.apiKey))
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("read response: %w", readErr)
			case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
				return resp, body, nil
			default:
				lastErr = &httpStatusError{
					StatusCode: resp.StatusCode,
					Body:       redactSecrets(truncate(string(body), errorSnippetLimit), c.apiKey),
				}
				if !retryable(resp.StatusCode) {
					return nil, nil, lastErr
				}
			}
		}
		if attempt < c.maxRetries {
			delay := min(c.retryBase<<(attempt-1), maxRetryDelay)
			c.log.Debug("retrying gemini request", "attempt", attempt, "delay", delay, "err", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
		}
	}
	return nil, nil, lastErr
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gemini status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// localMedia resolves location to a file on disk and its size. Remote
// locations are copied to a temporary file which cleanup removes.
func localMedia(ctx context.Context, location string) (path string, size int64, cleanup func(), err error) {
	cleanup = func() {}
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		path = filepath.Clean(location)
		info, err := os.Stat(path)
		if err != nil {
			return "", 0, cleanup, fmt.Errorf("read media: %w", err)
		}
		return path, info.Size(), cleanup, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", 0, cleanup, fmt.Errorf("new media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, cleanup, fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", 0, cleanup, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "reelcut-media-*")
	if err != nil {
		return "", 0, cleanup, fmt.Errorf("create media spool: %w", err)
	}
	cleanup = func() { _ = os.Remove(tmp.Name()) }
	size, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", 0, func() {}, fmt.Errorf("fetch media: %w", err)
	}
	return tmp.Name(), size, cleanup, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var apiKeyParamRE = regexp.MustCompile(`(?i)(key=)[^&\s"]+`)

func redactSecrets(s, apiKey string) string {
	if apiKey != "" {
		s = strings.ReplaceAll(s, apiKey, "[REDACTED]")
	}
	return apiKeyParamRE.ReplaceAllString(s, "${1}[REDACTED]")
}

// Gemini REST request/response types

type uploadStartRequest struct {
	File uploadFileMeta `json:"file"`
}

type uploadFileMeta struct {
	DisplayName string `json:"display_name"`
}

type uploadResponse struct {
	File fileResource `json:"file"`
}

type fileResource struct {
	Name     string     `json:"name"`
	URI      string     `json:"uri"`
	MimeType string     `json:"mimeType"`
	State    string     `json:"state"`
	Error    *apiStatus `json:"error,omitempty"`
}

func (f fileResource) toFile() llm.File {
	return llm.File{Name: f.Name, URI: f.URI, MimeType: f.MimeType}
}

type apiStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type generationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}
