// Package services – VoiceService
//
// This file implements the ingestion pipeline: an inbound message with audio
// attachments is filtered (self, blocked, extension), deduplicated, gated by
// the sender's daily quota, transcribed through the external workflow
// provider, persisted, and published back to the origin channel with the
// reaction markers for the enabled secondary actions.
//
// Each attachment is processed independently: one failing attachment never
// aborts its siblings. User-visible status lives in an editable notice posted
// as soon as work starts; the notice is deleted on success and rewritten with
// a failure text otherwise.
package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/dify"
	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/inflight"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/policy"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/repo"
)

// ResultTitle marks published transcription results. The reaction dispatcher
// only acts on messages carrying it.
const ResultTitle = "Voice Message Transcription"

// directMessageOrigin labels channel and server for events without a guild.
const directMessageOrigin = "DM"

// User-facing notice texts.
const (
	noticeProcessing   = "Processing voice message..."
	noticeQuotaReached = "Daily transcription limit reached. It resets at midnight UTC."
	noticeFailed       = "Transcription failed. Please try again later."
	noticeError        = "Something went wrong while processing the voice message."
	resultFooter       = "React to this message to summarize or translate"
)

// supportedExtensions is the set of audio file extensions the pipeline
// accepts, matched case-insensitively.
var supportedExtensions = map[string]struct{}{
	".ogg":  {},
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".webm": {},
}

var (
	// transcriptionsTotal counts attachment processing outcomes.
	transcriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_transcriptions_total",
			Help: "Total number of processed voice attachments by outcome.",
		},
		[]string{"outcome"},
	)

	// transcriptionDuration records end-to-end attachment processing time.
	transcriptionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "End-to-end duration of voice attachment processing.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(transcriptionsTotal, transcriptionDuration)
}

// TranscriptionGateway is the contract the pipeline needs from the external
// transcription provider.
type TranscriptionGateway interface {
	// Transcribe runs the full upload-and-execute protocol and returns the
	// transcript text, never empty on success.
	Transcribe(ctx context.Context, payload []byte, filename, contentType string, rc dify.RequestContext) (string, error)
}

// PermissionResolver is the contract the pipeline needs from the permission
// policy.
type PermissionResolver interface {
	// IsBlocked reports whether the identity is denied all processing.
	IsBlocked(userID string) bool

	// TierFor classifies an identity from its community membership.
	TierFor(userID string, m policy.Membership) policy.Tier

	// QuotaFor returns the daily ceiling for a tier (policy.Unlimited for none).
	QuotaFor(t policy.Tier) int
}

// VoiceService orchestrates the transcription pipeline for inbound messages.
// Safe for concurrent use; per-event exclusivity comes from InFlight.
type VoiceService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Gateway runs the external transcription workflow.
	Gateway TranscriptionGateway
	// Messenger talks back to the chat platform.
	Messenger platform.Messenger
	// Policy resolves tiers and quotas.
	Policy PermissionResolver
	// Reactions supplies the markers attached to published results.
	Reactions *reactions.Config
	// InFlight deduplicates concurrent deliveries of the same event.
	InFlight *inflight.Set

	// Language hints the expected transcript language to the provider.
	Language language.Tag
	// ResultMaxRunes caps the published transcript body.
	ResultMaxRunes int

	// EnableQuota gates quota enforcement. Requires EnablePersistence.
	EnableQuota bool
	// EnablePersistence gates storing transcriptions and usage counters.
	EnablePersistence bool
	// EnableReactions gates attaching secondary-action markers to results.
	EnableReactions bool

	// Log is the structured logger.
	Log zerolog.Logger

	// Now is the clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// now returns the service clock reading.
func (s *VoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// quotaActive reports whether quota enforcement is effective. Counters live in
// the database, so quota needs persistence.
func (s *VoiceService) quotaActive() bool {
	return s.EnableQuota && s.EnablePersistence
}

// SupportedExtension reports whether filename carries an audio extension the
// pipeline accepts.
func SupportedExtension(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// HandleInbound processes one inbound message event. Self-authored and
// blocked-sender events are dropped silently; duplicate deliveries of the
// same event are absorbed without side effects. Audio attachments are
// processed sequentially and independently; the returned error joins the
// per-attachment failures, nil when everything succeeded or nothing applied.
func (s *VoiceService) HandleInbound(ctx context.Context, ev platform.MessageEvent) error {
	tr := otel.Tracer("services/VoiceService")
	ctx, span := tr.Start(ctx, "HandleInbound",
		trace.WithAttributes(
			attribute.String("message.id", ev.MessageID),
			attribute.String("user.id", ev.UserID),
		),
	)
	defer span.End()

	if ev.UserID == s.Messenger.SelfID() {
		return nil
	}
	if s.Policy.IsBlocked(ev.UserID) {
		s.Log.Debug().Str("user_id", ev.UserID).Msg("dropping event from blocked user")
		return nil
	}

	var audio []platform.Attachment
	for _, att := range ev.Attachments {
		if SupportedExtension(att.Filename) {
			audio = append(audio, att)
		}
	}
	if len(audio) == 0 {
		return nil
	}

	release, ok := s.InFlight.Acquire(ev.MessageID)
	if !ok {
		s.Log.Debug().Str("message_id", ev.MessageID).Msg("event already in flight, absorbing duplicate")
		return nil
	}
	defer release()

	var errs []error
	for _, att := range audio {
		if err := s.processAttachment(ctx, ev, att); err != nil {
			s.Log.Error().Err(err).
				Str("message_id", ev.MessageID).
				Str("filename", att.Filename).
				Msg("attachment processing failed")
			errs = append(errs, fmt.Errorf("%s: %w", att.Filename, err))
		}
	}
	return errors.Join(errs...)
}

// processAttachment runs the pipeline for a single audio attachment:
// quota gate, download, transcription, counter consumption, persistence,
// publication, marker attachment, back-link.
func (s *VoiceService) processAttachment(ctx context.Context, ev platform.MessageEvent, att platform.Attachment) error {
	tr := otel.Tracer("services/VoiceService")
	ctx, span := tr.Start(ctx, "processAttachment",
		trace.WithAttributes(
			attribute.String("message.id", ev.MessageID),
			attribute.String("attachment.filename", att.Filename),
			attribute.Int64("attachment.size", att.Size),
		),
	)
	defer span.End()

	start := s.now()
	defer func() { transcriptionDuration.Observe(time.Since(start).Seconds()) }()

	if s.EnablePersistence {
		// A replayed delivery of an already-handled event must not charge
		// quota or post anything. The unique index below still covers the
		// window between this check and the insert.
		if _, derr := repo.GetTranscriptionByMessageID(ctx, s.DB, ev.MessageID); derr == nil {
			s.Log.Debug().Str("message_id", ev.MessageID).Msg("event already transcribed, absorbing replay")
			transcriptionsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	noticeID, err := s.Messenger.ReplyNotice(ctx, ev.ChannelID, ev.MessageID, noticeProcessing)
	if err != nil {
		// Status cannot be shown, but the work itself can still proceed.
		s.Log.Warn().Err(err).Str("message_id", ev.MessageID).Msg("posting processing notice failed")
		noticeID = ""
	}

	ceiling := policy.Unlimited
	if s.quotaActive() {
		user, uerr := repo.GetOrCreateUser(ctx, s.DB, ev.UserID, s.now())
		if uerr != nil {
			s.editNotice(ctx, ev.ChannelID, noticeID, noticeError)
			transcriptionsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, uerr)
		}

		tier := s.Policy.TierFor(ev.UserID, policy.Membership{
			Roles:              ev.Roles,
			IsGuildOwner:       ev.IsGuildOwner,
			HasAdminPermission: ev.HasAdminPermission,
		})
		ceiling = s.Policy.QuotaFor(tier)
		if ceiling != policy.Unlimited && user.DailyUsage >= ceiling {
			s.editNotice(ctx, ev.ChannelID, noticeID, noticeQuotaReached)
			transcriptionsTotal.WithLabelValues("quota_exceeded").Inc()
			return ErrQuotaExceeded
		}
	}

	payload, err := s.Messenger.Download(ctx, att)
	if err != nil {
		s.editNotice(ctx, ev.ChannelID, noticeID, noticeError)
		transcriptionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("downloading attachment: %w", err)
	}

	channelName, serverName := ev.ChannelName, ev.GuildName
	if ev.GuildID == nil {
		channelName, serverName = directMessageOrigin, directMessageOrigin
	}
	text, err := s.Gateway.Transcribe(ctx, payload, att.Filename, att.ContentType, dify.RequestContext{
		UserID:   ev.UserID,
		Username: ev.Username,
		Channel:  channelName,
		Server:   serverName,
	})
	if err != nil {
		s.editNotice(ctx, ev.ChannelID, noticeID, noticeFailed)
		transcriptionsTotal.WithLabelValues("failed").Inc()
		return err
	}

	var stored *domain.Transcription
	if s.EnablePersistence {
		// Counters move only after the provider produced a transcript.
		consumeCeiling := ceiling
		if !s.quotaActive() {
			consumeCeiling = repo.UnlimitedQuota
		}
		if cerr := repo.ConsumeQuota(ctx, s.DB, ev.UserID, consumeCeiling, s.now()); cerr != nil {
			switch {
			case errors.Is(cerr, repo.ErrQuotaExhausted):
				// A concurrent event used the last slot between the
				// pre-flight check and here.
				s.editNotice(ctx, ev.ChannelID, noticeID, noticeQuotaReached)
				transcriptionsTotal.WithLabelValues("quota_exceeded").Inc()
				return ErrQuotaExceeded
			case errors.Is(cerr, gorm.ErrRecordNotFound):
				if _, uerr := repo.GetOrCreateUser(ctx, s.DB, ev.UserID, s.now()); uerr == nil {
					cerr = repo.ConsumeQuota(ctx, s.DB, ev.UserID, consumeCeiling, s.now())
				}
			}
			if cerr != nil && !errors.Is(cerr, repo.ErrQuotaExhausted) {
				s.editNotice(ctx, ev.ChannelID, noticeID, noticeError)
				transcriptionsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, cerr)
			}
		}

		t := &domain.Transcription{
			MessageID:     ev.MessageID,
			UserID:        ev.UserID,
			GuildID:       ev.GuildID,
			ChannelID:     ev.ChannelID,
			FileName:      att.Filename,
			FileSize:      att.Size,
			Transcription: text,
			Language:      s.Language.String(),
		}
		stored, err = repo.CreateTranscription(ctx, s.DB, t)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicateMessage) {
				// Another instance stored this event first; its pipeline
				// owns publication.
				s.deleteNotice(ctx, ev.ChannelID, noticeID)
				transcriptionsTotal.WithLabelValues("duplicate").Inc()
				return nil
			}
			s.editNotice(ctx, ev.ChannelID, noticeID, noticeError)
			transcriptionsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
	}

	s.deleteNotice(ctx, ev.ChannelID, noticeID)

	resultID, err := s.Messenger.PublishResult(ctx, ev.ChannelID, ev.MessageID, platform.Result{
		Title:   ResultTitle,
		Body:    truncateRunes(text, s.ResultMaxRunes),
		Sender:  ev.Username,
		Channel: channelName,
		Footer:  resultFooter,
	})
	if err != nil {
		// The transcript is already stored; keep the row and surface the
		// publish failure without a back-link.
		transcriptionsTotal.WithLabelValues("publish_failed").Inc()
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if s.EnableReactions {
		for _, symbol := range s.Reactions.EnabledSymbols() {
			if rerr := s.Messenger.AddReaction(ctx, ev.ChannelID, resultID, symbol); rerr != nil {
				s.Log.Warn().Err(rerr).
					Str("result_message_id", resultID).
					Str("emoji", symbol).
					Msg("attaching reaction marker failed")
			}
		}
	}

	if stored != nil {
		if lerr := repo.LinkResultMessage(ctx, s.DB, stored.ID, resultID); lerr != nil {
			s.Log.Error().Err(lerr).
				Str("transcription_id", stored.ID).
				Str("result_message_id", resultID).
				Msg("linking result message failed")
		}
	}

	transcriptionsTotal.WithLabelValues("success").Inc()
	s.Log.Info().
		Str("message_id", ev.MessageID).
		Str("user_id", ev.UserID).
		Str("filename", att.Filename).
		Int("transcript_runes", len([]rune(text))).
		Msg("voice message transcribed")
	return nil
}

// editNotice rewrites a status notice, tolerating a missing notice id and
// logging edit failures.
func (s *VoiceService) editNotice(ctx context.Context, channelID, noticeID, text string) {
	if noticeID == "" {
		return
	}
	if err := s.Messenger.EditNotice(ctx, channelID, noticeID, text); err != nil {
		s.Log.Warn().Err(err).Str("notice_id", noticeID).Msg("editing notice failed")
	}
}

// deleteNotice removes a status notice, tolerating a missing notice id.
func (s *VoiceService) deleteNotice(ctx context.Context, channelID, noticeID string) {
	if noticeID == "" {
		return
	}
	if err := s.Messenger.DeleteNotice(ctx, channelID, noticeID); err != nil {
		s.Log.Warn().Err(err).Str("notice_id", noticeID).Msg("deleting notice failed")
	}
}
