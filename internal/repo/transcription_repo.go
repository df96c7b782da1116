// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Transcription model.
//
// Error semantics:
//   - CreateTranscription maps unique-key violations on message_id to
//     ErrDuplicateMessage so the pipeline can distinguish "already stored"
//     from generic storage failures.
//   - Lookups return gorm.ErrRecordNotFound (ErrNotFound) when missing.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
)

// ErrDuplicateMessage is returned when a second Transcription references an
// origin event id that is already stored.
var ErrDuplicateMessage = errors.New("transcription already exists for message")

// CreateTranscription inserts a new Transcription row. The ID is a freshly
// generated UUID and CreatedAt is set to UTC. The caller fills all origin and
// payload fields; ResultMessageID and Summary start empty and are attached
// later via LinkResultMessage / UpdateSummary.
func CreateTranscription(ctx context.Context, db *gorm.DB, t *domain.Transcription) (*domain.Transcription, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, err
	}
	return t, nil
}

// GetTranscriptionByMessageID fetches the row recorded for an origin event id.
func GetTranscriptionByMessageID(ctx context.Context, db *gorm.DB, messageID string) (*domain.Transcription, error) {
	var t domain.Transcription
	if err := db.WithContext(ctx).First(&t, "message_id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTranscriptionByResultMessageID fetches the row whose published public
// result carries the given message id. Used by the reaction dispatcher to
// walk from a reacted-to result back to its transcription.
func GetTranscriptionByResultMessageID(ctx context.Context, db *gorm.DB, resultMessageID string) (*domain.Transcription, error) {
	var t domain.Transcription
	if err := db.WithContext(ctx).First(&t, "result_message_id = ?", resultMessageID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LinkResultMessage records the id of the published public result on an
// existing Transcription. This is the single post-insert mutation the
// pipeline performs. Returns ErrNotFound when the row is missing.
func LinkResultMessage(ctx context.Context, db *gorm.DB, id, resultMessageID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Transcription{}).
		Where("id = ?", id).
		Update("result_message_id", resultMessageID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateSummary attaches a derived summary to an existing Transcription.
// Returns ErrNotFound when the row is missing.
func UpdateSummary(ctx context.Context, db *gorm.DB, id, summary string) error {
	res := db.WithContext(ctx).
		Model(&domain.Transcription{}).
		Where("id = ?", id).
		Update("summary", summary)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountTranscriptionsSearch returns the number of rows matching a substring
// search over the transcript text, optionally scoped to one guild.
func CountTranscriptionsSearch(ctx context.Context, db *gorm.DB, query string, guildID *string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Transcription{}).
		Where("transcription LIKE ?", "%"+query+"%")
	if guildID != nil {
		q = q.Where("guild_id = ?", *guildID)
	}
	err := q.Count(&total).Error
	return total, err
}

// SearchTranscriptions returns a page of rows matching a substring search over
// the transcript text, newest first. Use CountTranscriptionsSearch for the
// pagination total.
func SearchTranscriptions(ctx context.Context, db *gorm.DB, query string, guildID *string, offset, limit int) ([]domain.Transcription, error) {
	var out []domain.Transcription
	q := db.WithContext(ctx).
		Where("transcription LIKE ?", "%"+query+"%")
	if guildID != nil {
		q = q.Where("guild_id = ?", *guildID)
	}
	err := q.Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
