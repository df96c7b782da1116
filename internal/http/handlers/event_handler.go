// Event HTTP handlers.
//
// This file exposes the webhook endpoints the gateway adapter posts platform
// events to:
//   - POST /events/message    (inbound message, possibly with voice attachments)
//   - POST /events/reaction   (reaction added to a message)
//
// Handlers are transport-thin: they validate and map the payload onto the
// event types the services consume, run the pipeline synchronously, and
// translate service errors to the error envelope. Events the pipeline ignores
// (no audio, blocked sender, duplicate delivery) still answer 200 so the
// gateway never retries them.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voicepipe/go-voice-backend/internal/dify"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/services"
)

// VoiceIngestor is the pipeline contract the message-event endpoint needs.
type VoiceIngestor interface {
	// HandleInbound runs the transcription pipeline for one inbound message.
	HandleInbound(ctx context.Context, ev platform.MessageEvent) error
}

// ReactionDispatcher is the contract the reaction-event endpoint needs.
type ReactionDispatcher interface {
	// HandleReaction dispatches one reaction-added event.
	HandleReaction(ctx context.Context, ev platform.ReactionEvent) error
}

// Handlers bundles the HTTP handlers and their service dependencies.
type Handlers struct {
	voiceSvc    VoiceIngestor
	reactionSvc ReactionDispatcher
	deps        Deps
}

// New constructs a Handlers instance bound to the given services and shared
// dependencies.
func New(voiceSvc VoiceIngestor, reactionSvc ReactionDispatcher, deps Deps) *Handlers {
	return &Handlers{voiceSvc: voiceSvc, reactionSvc: reactionSvc, deps: deps}
}

//
// DTOs
//

// AttachmentPayload describes one attachment of an inbound message event.
type AttachmentPayload struct {
	Filename    string `json:"filename" binding:"required"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// MessageEventRequest is the JSON payload for an inbound message event.
type MessageEventRequest struct {
	MessageID   string  `json:"message_id" binding:"required"`
	UserID      string  `json:"user_id"    binding:"required"`
	Username    string  `json:"username"`
	ChannelID   string  `json:"channel_id" binding:"required"`
	ChannelName string  `json:"channel_name"`
	GuildID     *string `json:"guild_id"`
	GuildName   string  `json:"guild_name"`

	Roles              []string `json:"roles"`
	IsGuildOwner       bool     `json:"is_guild_owner"`
	HasAdminPermission bool     `json:"has_admin_permission"`

	Attachments []AttachmentPayload `json:"attachments"`
}

// ReactionEventRequest is the JSON payload for a reaction-added event.
type ReactionEventRequest struct {
	UserID    string `json:"user_id"    binding:"required"`
	Emoji     string `json:"emoji"      binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
}

// EventResponse acknowledges a processed (or deliberately ignored) event.
type EventResponse struct {
	Status string `json:"status"`
}

//
// Handlers
//

// PostMessageEvent ingests one inbound message event and runs the
// transcription pipeline synchronously.
func (h *Handlers) PostMessageEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req MessageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message_id, user_id and channel_id required")
		return
	}
	c.Set("senderID", req.UserID)

	ev := platform.MessageEvent{
		MessageID:          strings.TrimSpace(req.MessageID),
		UserID:             strings.TrimSpace(req.UserID),
		Username:           req.Username,
		ChannelID:          strings.TrimSpace(req.ChannelID),
		ChannelName:        req.ChannelName,
		GuildID:            req.GuildID,
		GuildName:          req.GuildName,
		Roles:              req.Roles,
		IsGuildOwner:       req.IsGuildOwner,
		HasAdminPermission: req.HasAdminPermission,
	}
	for _, a := range req.Attachments {
		ev.Attachments = append(ev.Attachments, platform.Attachment{
			Filename:    a.Filename,
			Size:        a.Size,
			ContentType: a.ContentType,
			URL:         a.URL,
		})
	}

	if err := h.voiceSvc.HandleInbound(ctx, ev); err != nil {
		switch {
		case errors.Is(err, services.ErrQuotaExceeded):
			fail(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, "daily transcription limit reached")
		case errors.Is(err, dify.ErrNotConfigured):
			fail(c, http.StatusServiceUnavailable, ErrCodeTranscriptionFailed, "transcription provider not configured")
		case errors.Is(err, dify.ErrUploadFailed),
			errors.Is(err, dify.ErrWorkflowFailed),
			errors.Is(err, dify.ErrEmptyTranscript):
			fail(c, http.StatusBadGateway, ErrCodeTranscriptionFailed, "transcription failed")
		case errors.Is(err, services.ErrPublishFailed):
			fail(c, http.StatusBadGateway, ErrCodeInternal, "transcript stored but result could not be published")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, EventResponse{Status: "ok"})
}

// PostReactionEvent dispatches one reaction-added event to the secondary
// action pipeline.
func (h *Handlers) PostReactionEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req ReactionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id, emoji, message_id and channel_id required")
		return
	}
	c.Set("senderID", req.UserID)

	ev := platform.ReactionEvent{
		UserID:    strings.TrimSpace(req.UserID),
		Emoji:     req.Emoji,
		MessageID: strings.TrimSpace(req.MessageID),
		ChannelID: strings.TrimSpace(req.ChannelID),
	}

	if err := h.reactionSvc.HandleReaction(ctx, ev); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, EventResponse{Status: "ok"})
}
