// Package dify is the client for the external transcription pipeline. The
// provider exposes a two-step protocol: upload the binary payload to obtain a
// file handle, then execute a processing workflow against that handle in
// blocking mode and read the transcript out of the nested response.
//
// Failure policy: no automatic retries. Missing credentials fail fast before
// any network call; a non-201 upload aborts the whole operation without
// attempting the workflow step; a workflow response without usable text is a
// failure, never an empty transcript.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Sentinel errors for the gateway failure taxonomy. Callers branch with
// errors.Is; the wrapped message carries the provider diagnostics.
var (
	// ErrNotConfigured means the endpoint URL or API key is absent. No
	// network call is attempted.
	ErrNotConfigured = errors.New("transcription provider not configured")
	// ErrUploadFailed means the file upload step was rejected.
	ErrUploadFailed = errors.New("file upload failed")
	// ErrWorkflowFailed means the workflow execution step was rejected.
	ErrWorkflowFailed = errors.New("workflow execution failed")
	// ErrEmptyTranscript means the workflow succeeded but produced no
	// usable text under either known output field.
	ErrEmptyTranscript = errors.New("workflow returned no transcript")
)

// maxDiagnosticBytes caps how much of an error response body is kept for
// diagnostics.
const maxDiagnosticBytes = 2048

// Config holds the provider endpoints and credentials.
type Config struct {
	// WorkflowURL is the workflow-execution endpoint.
	WorkflowURL string
	// UploadURL is the file-upload endpoint.
	UploadURL string
	// APIKey is the bearer token sent on both calls.
	APIKey string
}

// RequestContext carries the contextual workflow inputs describing where the
// audio came from. Channel and Server are "DM" for direct messages.
type RequestContext struct {
	UserID   string
	Username string
	Channel  string
	Server   string
}

// Client talks to the transcription provider. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// NewClient constructs a Client. A nil httpClient falls back to
// http.DefaultClient, which leaves timeout policy to the transport — a hung
// call stalls only its own event's processing.
func NewClient(cfg Config, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// configured reports whether both the workflow endpoint and credentials are
// present.
func (c *Client) configured() bool {
	return strings.TrimSpace(c.cfg.WorkflowURL) != "" &&
		strings.TrimSpace(c.cfg.UploadURL) != "" &&
		strings.TrimSpace(c.cfg.APIKey) != ""
}

// Transcribe runs the full two-step protocol: upload the payload, execute the
// workflow against the returned handle, and extract the transcript. The
// returned string is never empty on success.
func (c *Client) Transcribe(ctx context.Context, payload []byte, filename, contentType string, rc RequestContext) (string, error) {
	if !c.configured() {
		return "", ErrNotConfigured
	}

	fileID, err := c.Upload(ctx, payload, filename, contentType, rc.UserID)
	if err != nil {
		return "", err
	}

	outputs, err := c.RunWorkflow(ctx, fileID, map[string]any{
		"username": rc.Username,
		"channel":  rc.Channel,
		"server":   rc.Server,
	}, rc.UserID)
	if err != nil {
		return "", err
	}

	text := outputString(outputs, "transcription")
	if text == "" {
		text = outputString(outputs, "text")
	}
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// Upload sends the binary payload as a multipart form (file + user fields)
// and returns the opaque file handle. Any status other than 201 aborts with
// ErrUploadFailed; the response body is kept as diagnostic text.
func (c *Client) Upload(ctx context.Context, payload []byte, filename, contentType, userID string) (string, error) {
	if !c.configured() {
		return "", ErrNotConfigured
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	if err := mw.WriteField("user", userID); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		diag := readDiagnostic(resp.Body)
		c.log.Error().Int("status", resp.StatusCode).Str("body", diag).Msg("file upload rejected")
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, diag)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrUploadFailed, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: response carried no file id", ErrUploadFailed)
	}

	c.log.Info().Str("file_id", out.ID).Str("filename", filename).Msg("file uploaded")
	return out.ID, nil
}

// RunWorkflow executes the processing workflow against an uploaded file
// handle, tagged as an audio input, in blocking mode. It returns the
// workflow's output map.
func (c *Client) RunWorkflow(ctx context.Context, fileID string, inputs map[string]any, userID string) (map[string]any, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}

	reqBody := map[string]any{
		"inputs": inputs,
		"files": []map[string]any{{
			"transfer_method": "local_file",
			"upload_file_id":  fileID,
			"type":            "audio",
		}},
		"response_mode": "blocking",
		"user":          userID,
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WorkflowURL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		diag := readDiagnostic(resp.Body)
		c.log.Error().Int("status", resp.StatusCode).Str("body", diag).Msg("workflow execution rejected")
		return nil, fmt.Errorf("%w: status %d: %s", ErrWorkflowFailed, resp.StatusCode, diag)
	}

	var out struct {
		Data struct {
			Outputs map[string]any `json:"outputs"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrWorkflowFailed, err)
	}

	c.log.Info().Str("file_id", fileID).Msg("workflow executed")
	return out.Data.Outputs, nil
}

// outputString reads a string-valued output field, tolerating absent keys and
// non-string values.
func outputString(outputs map[string]any, key string) string {
	if outputs == nil {
		return ""
	}
	if v, ok := outputs[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// readDiagnostic drains up to maxDiagnosticBytes of an error body.
func readDiagnostic(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxDiagnosticBytes))
	return strings.TrimSpace(string(b))
}
