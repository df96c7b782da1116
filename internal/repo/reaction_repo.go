// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the append-only
// ReactionAction audit log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
)

// CreateReactionAction appends one audit row recording the outcome of a
// reaction-triggered action against a stored Transcription. Rows are never
// updated or deleted afterwards.
func CreateReactionAction(ctx context.Context, db *gorm.DB, transcriptionID, userID, reaction, actionType, result string) (*domain.ReactionAction, error) {
	a := &domain.ReactionAction{
		ID:              uuid.NewString(),
		TranscriptionID: transcriptionID,
		UserID:          userID,
		Reaction:        reaction,
		ActionType:      actionType,
		Result:          result,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ListReactionActions returns all audit rows for a transcription, oldest
// first. Returns an empty slice when none exist.
func ListReactionActions(ctx context.Context, db *gorm.DB, transcriptionID string) ([]domain.ReactionAction, error) {
	var out []domain.ReactionAction
	err := db.WithContext(ctx).
		Where("transcription_id = ?", transcriptionID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
