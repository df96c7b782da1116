package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// maxDownloadBytes caps attachment downloads. Voice clips on the supported
// platforms stay well under this.
const maxDownloadBytes = 100 << 20

// HTTPMessenger implements Messenger against the REST surface of a gateway
// sidecar: the process that holds the actual chat-platform connection and
// exposes message operations over HTTP. Safe for concurrent use.
type HTTPMessenger struct {
	base   string
	token  string
	selfID string
	http   *http.Client
	log    zerolog.Logger
}

// NewHTTPMessenger constructs an HTTPMessenger for the sidecar at baseURL.
// selfID is the platform identity of the service account the sidecar is
// logged in as. A nil httpClient falls back to http.DefaultClient.
func NewHTTPMessenger(baseURL, token, selfID string, httpClient *http.Client, log zerolog.Logger) *HTTPMessenger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPMessenger{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		selfID: selfID,
		http:   httpClient,
		log:    log,
	}
}

// SelfID returns the platform identity of the service account.
func (m *HTTPMessenger) SelfID() string { return m.selfID }

// Download fetches an attachment payload from its CDN URL.
func (m *HTTPMessenger) Download(ctx context.Context, att Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: status %d", att.Filename, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// ReplyNotice posts a plain reply and returns the new message id.
func (m *HTTPMessenger) ReplyNotice(ctx context.Context, channelID, replyToID, text string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := m.call(ctx, http.MethodPost, m.channelMessages(channelID), map[string]any{
		"reply_to": replyToID,
		"content":  text,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// EditNotice replaces the text of a previously posted notice.
func (m *HTTPMessenger) EditNotice(ctx context.Context, channelID, noticeID, text string) error {
	return m.call(ctx, http.MethodPatch, m.message(channelID, noticeID), map[string]any{
		"content": text,
	}, nil)
}

// DeleteNotice removes a previously posted notice.
func (m *HTTPMessenger) DeleteNotice(ctx context.Context, channelID, noticeID string) error {
	return m.call(ctx, http.MethodDelete, m.message(channelID, noticeID), nil, nil)
}

// ReplyEphemeral posts a reply the sidecar deletes after ttlSeconds.
func (m *HTTPMessenger) ReplyEphemeral(ctx context.Context, channelID, replyToID, text string, ttlSeconds int) error {
	return m.call(ctx, http.MethodPost, m.channelMessages(channelID), map[string]any{
		"reply_to":    replyToID,
		"content":     text,
		"ttl_seconds": ttlSeconds,
	}, nil)
}

// PublishResult posts the public result as a rich reply and returns the new
// message id.
func (m *HTTPMessenger) PublishResult(ctx context.Context, channelID, replyToID string, res Result) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := m.call(ctx, http.MethodPost, m.channelMessages(channelID), map[string]any{
		"reply_to": replyToID,
		"embed": map[string]any{
			"title":   res.Title,
			"body":    res.Body,
			"sender":  res.Sender,
			"channel": res.Channel,
			"footer":  res.Footer,
		},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddReaction attaches a reaction symbol to a message.
func (m *HTTPMessenger) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	p := m.message(channelID, messageID) + "/reactions/" + url.PathEscape(emoji)
	return m.call(ctx, http.MethodPut, p, nil, nil)
}

// SendDirect delivers text privately. A 403 from the sidecar means the
// recipient refuses direct messages and maps to ErrDeliveryForbidden.
func (m *HTTPMessenger) SendDirect(ctx context.Context, userID, text string) error {
	p := m.base + "/users/" + url.PathEscape(userID) + "/messages"
	err := m.call(ctx, http.MethodPost, p, map[string]any{"content": text}, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusForbidden {
		return ErrDeliveryForbidden
	}
	return err
}

// FetchResult loads a previously published message. A 404 maps to
// ErrMessageNotFound.
func (m *HTTPMessenger) FetchResult(ctx context.Context, channelID, messageID string) (*PublishedResult, error) {
	var out struct {
		ID       string `json:"id"`
		AuthorID string `json:"author_id"`
		Embed    struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"embed"`
	}
	err := m.call(ctx, http.MethodGet, m.message(channelID, messageID), nil, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &PublishedResult{
		MessageID: out.ID,
		ChannelID: channelID,
		AuthorID:  out.AuthorID,
		Title:     out.Embed.Title,
		Body:      out.Embed.Body,
	}, nil
}

// channelMessages returns the sidecar path for a channel's message
// collection.
func (m *HTTPMessenger) channelMessages(channelID string) string {
	return m.base + "/channels/" + url.PathEscape(channelID) + "/messages"
}

// message returns the sidecar path for one message.
func (m *HTTPMessenger) message(channelID, messageID string) string {
	return m.channelMessages(channelID) + "/" + url.PathEscape(messageID)
}

// statusError carries a non-2xx sidecar response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.code, e.body)
}

// call runs one JSON request against the sidecar, decoding the response into
// out when it is non-nil.
func (m *HTTPMessenger) call(ctx context.Context, method, urlStr string, body map[string]any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, rd)
	if err != nil {
		return err
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		m.log.Warn().
			Str("method", method).
			Str("url", urlStr).
			Int("status", resp.StatusCode).
			Msg("gateway call rejected")
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(diag))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return nil
}
