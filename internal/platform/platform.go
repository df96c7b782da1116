// Package platform defines the boundary to the chat platform: the event
// payloads delivered by the gateway and the Messenger interface through which
// the pipeline talks back (publishing results, reacting, direct messages).
//
// The concrete gateway adapter lives outside this repository; here only the
// contract the core needs is specified, plus the error sentinels the services
// branch on. Tests supply fakes.
package platform

import (
	"context"
	"errors"
)

// ErrDeliveryForbidden is returned by SendDirect when the recipient refuses
// private messages. The caller degrades to a public, self-expiring notice.
var ErrDeliveryForbidden = errors.New("recipient refuses direct delivery")

// ErrMessageNotFound is returned by FetchResult when the target message no
// longer exists.
var ErrMessageNotFound = errors.New("message not found")

// Attachment describes one file attached to an inbound message. The payload
// itself is fetched on demand via Messenger.Download.
type Attachment struct {
	Filename    string
	Size        int64
	ContentType string
	URL         string
}

// MessageEvent is an inbound message delivered by the gateway. GuildID is nil
// for direct messages; the membership fields describe what the platform knows
// about the author within the origin community.
type MessageEvent struct {
	MessageID   string
	UserID      string
	Username    string
	ChannelID   string
	ChannelName string
	GuildID     *string
	GuildName   string

	Roles              []string
	IsGuildOwner       bool
	HasAdminPermission bool

	Attachments []Attachment
}

/// ReactionEvent is a reaction-added signal: who attached which symbol to
// which message.
type ReactionEvent struct {
	UserID    string
	Emoji     string
	MessageID string
	ChannelID string
}

// Result is the public artifact published after a successful transcription.
type Result struct {
	// Title marks the result kind; the dispatcher validates reacted-to
	// messages against it.
	Title string
	// Body is the (already truncated) transcript text.
	Body string
	// Sender and Channel annotate the origin.
	Sender  string
	Channel string
	// Footer is the affordance hint shown under the result.
	Footer string
}

// PublishedResult is a previously published message fetched back for
// validation: the dispatcher checks authorship and the result marker before
// acting on a reaction.
type PublishedResult struct {
	MessageID string
	ChannelID string
	AuthorID  string
	Title     string
	Body      string
}

// Messenger is everything the pipeline needs from the chat platform. All
// methods are blocking and context-aware; implementations decide transport
// details and timeouts.
type Messenger interface {
	// SelfID returns the platform identity of this service, used to ignore
	// self-authored events.
	SelfID() string

	// Download fetches an attachment payload.
	Download(ctx context.Context, att Attachment) ([]byte, error)

	// ReplyNotice posts a plain status reply to a message and returns the
	// notice's id so it can be edited or deleted later.
	ReplyNotice(ctx context.Context, channelID, replyToID, text string) (string, error)

	// EditNotice replaces the text of a previously posted notice.
	EditNotice(ctx context.Context, channelID, noticeID, text string) error

	// DeleteNotice removes a previously posted notice.
	DeleteNotice(ctx context.Context, channelID, noticeID string) error

	// ReplyEphemeral posts a reply that the platform removes after
	// ttlSeconds. Used for degraded delivery notices.
	ReplyEphemeral(ctx context.Context, channelID, replyToID, text string, ttlSeconds int) error

	// PublishResult posts the public result as a reply and returns the new
	// message's id.
	PublishResult(ctx context.Context, channelID, replyToID string, res Result) (string, error)

	// AddReaction attaches a reaction symbol to a message.
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error

	// SendDirect delivers text privately to a user. Returns
	// ErrDeliveryForbidden when the recipient cannot be reached.
	SendDirect(ctx context.Context, userID, text string) error

	// FetchResult loads a previously published message for validation.
	// Returns ErrMessageNotFound when it no longer exists.
	FetchResult(ctx context.Context, channelID, messageID string) (*PublishedResult, error)
}
