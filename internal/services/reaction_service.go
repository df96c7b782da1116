// Package services – ReactionService
//
// This file implements the reaction dispatcher: a reaction added to one of
// the service's own published transcription results triggers a secondary
// action (summarize, translate, or a "not yet available" notice). Derived
// output is delivered privately; when the recipient refuses direct delivery
// the dispatcher degrades to a short-lived public notice. Each handled action
// is audited against the stored transcription when persistence is on.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/repo"
)

// Audit outcomes recorded on ReactionAction rows.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
)

// User-facing texts for the dispatcher.
const (
	underDevelopment   = "This action is not available yet."
	dmFallbackNotice   = "Could not send you a direct message. Please allow direct messages and try again."
	summaryHeading     = "Summary\n\n"
	translationHeading = "Translation\n\n"
	deliveredMarker    = "✅"
)

// ephemeralTTLSeconds is how long a degraded public notice stays visible.
const ephemeralTTLSeconds = 10

// translationTarget is the fixed target language for the translate action.
const translationTarget = "English"

// ReactionService dispatches reaction-triggered secondary actions on
// published transcription results. Safe for concurrent use.
type ReactionService struct {
	// DB is the GORM handle used for summary updates and audit rows.
	DB *gorm.DB
	// Messenger talks back to the chat platform.
	Messenger platform.Messenger
	// Reactions maps reaction symbols to actions.
	Reactions *reactions.Config

	// SummaryMinRunes is the threshold below which transcripts get the
	// fixed too-short text instead of a derived summary.
	SummaryMinRunes int
	// EnablePersistence gates summary storage and audit rows.
	EnablePersistence bool

	// Log is the structured logger.
	Log zerolog.Logger
}

// HandleReaction processes one reaction-added event. Reactions from the
// service itself, unmapped or disabled symbols, vanished messages, messages
// authored by someone else, and messages that are not transcription results
// are all ignored without error.
func (s *ReactionService) HandleReaction(ctx context.Context, ev platform.ReactionEvent) error {
	tr := otel.Tracer("services/ReactionService")
	ctx, span := tr.Start(ctx, "HandleReaction",
		trace.WithAttributes(
			attribute.String("message.id", ev.MessageID),
			attribute.String("user.id", ev.UserID),
			attribute.String("emoji", ev.Emoji),
		),
	)
	defer span.End()

	if ev.UserID == s.Messenger.SelfID() {
		return nil
	}

	action, ok := s.Reactions.Lookup(ev.Emoji)
	if !ok || !action.Enabled {
		return nil
	}

	msg, err := s.Messenger.FetchResult(ctx, ev.ChannelID, ev.MessageID)
	if err != nil {
		if errors.Is(err, platform.ErrMessageNotFound) {
			return nil
		}
		return err
	}
	if msg.AuthorID != s.Messenger.SelfID() || msg.Title != ResultTitle {
		return nil
	}

	switch action.Name {
	case reactions.ActionSummarize:
		return s.summarize(ctx, ev, msg)
	case reactions.ActionTranslate:
		return s.translate(ctx, ev, msg)
	default:
		// Mapped and enabled but not implemented yet; tell the reacting
		// user privately, swallowing refused delivery.
		if derr := s.Messenger.SendDirect(ctx, ev.UserID, underDevelopment); derr != nil &&
			!errors.Is(derr, platform.ErrDeliveryForbidden) {
			return derr
		}
		return nil
	}
}

// summarize derives a summary for the reacted-to result, stores it on the
// transcription row, audits the action, and delivers the text to the
// reacting user.
func (s *ReactionService) summarize(ctx context.Context, ev platform.ReactionEvent, msg *platform.PublishedResult) error {
	transcript, stored := s.sourceText(ctx, msg)

	summary := Summarize(transcript, s.SummaryMinRunes)

	if stored != nil {
		if err := repo.UpdateSummary(ctx, s.DB, stored.ID, summary); err != nil {
			s.Log.Error().Err(err).Str("transcription_id", stored.ID).Msg("storing summary failed")
		}
		s.audit(ctx, stored.ID, ev, reactions.ActionSummarize, outcomeSuccess)
	}

	return s.deliver(ctx, ev, summaryHeading+summary)
}

// translate derives an English rendering of the reacted-to result, audits the
// action, and delivers the text to the reacting user.
func (s *ReactionService) translate(ctx context.Context, ev platform.ReactionEvent, msg *platform.PublishedResult) error {
	transcript, stored := s.sourceText(ctx, msg)

	translation := Translate(transcript, translationTarget)

	if stored != nil {
		s.audit(ctx, stored.ID, ev, reactions.ActionTranslate, outcomeSuccess)
	}

	return s.deliver(ctx, ev, translationHeading+translation)
}

// sourceText resolves the transcript for a published result: the stored full
// transcription when persistence knows the result message, otherwise the
// (possibly truncated) published body. The stored row is also returned for
// summary updates and auditing; nil means "deliver but skip persistence".
func (s *ReactionService) sourceText(ctx context.Context, msg *platform.PublishedResult) (string, *domain.Transcription) {
	if !s.EnablePersistence {
		return msg.Body, nil
	}
	stored, err := repo.GetTranscriptionByResultMessageID(ctx, s.DB, msg.MessageID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.Log.Error().Err(err).Str("result_message_id", msg.MessageID).Msg("loading transcription failed")
		}
		return msg.Body, nil
	}
	return stored.Transcription, stored
}

// audit records a ReactionAction row; failures are logged, never surfaced.
func (s *ReactionService) audit(ctx context.Context, transcriptionID string, ev platform.ReactionEvent, actionType, result string) {
	if _, err := repo.CreateReactionAction(ctx, s.DB, transcriptionID, ev.UserID, ev.Emoji, actionType, result); err != nil {
		s.Log.Error().Err(err).
			Str("transcription_id", transcriptionID).
			Str("action", actionType).
			Msg("recording reaction action failed")
	}
}

// deliver sends text privately to the reacting user and acknowledges the
// reaction on the result message. Refused direct delivery degrades to a
// self-expiring public notice.
func (s *ReactionService) deliver(ctx context.Context, ev platform.ReactionEvent, text string) error {
	err := s.Messenger.SendDirect(ctx, ev.UserID, text)
	if err != nil {
		if errors.Is(err, platform.ErrDeliveryForbidden) {
			if ferr := s.Messenger.ReplyEphemeral(ctx, ev.ChannelID, ev.MessageID, dmFallbackNotice, ephemeralTTLSeconds); ferr != nil {
				s.Log.Warn().Err(ferr).Str("message_id", ev.MessageID).Msg("degraded delivery notice failed")
			}
			return nil
		}
		return err
	}

	if aerr := s.Messenger.AddReaction(ctx, ev.ChannelID, ev.MessageID, deliveredMarker); aerr != nil {
		s.Log.Warn().Err(aerr).Str("message_id", ev.MessageID).Msg("acknowledging delivery failed")
	}

	s.Log.Info().
		Str("user_id", ev.UserID).
		Str("message_id", ev.MessageID).
		Time("delivered_at", time.Now().UTC()).
		Msg("secondary action delivered")
	return nil
}
