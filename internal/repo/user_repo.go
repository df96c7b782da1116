// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model:
// lazy creation, daily-counter rollover, and quota consumption.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic beyond the
// counter invariants, only CRUD persistence and query composition.
//
// Error semantics:
//   - When a user is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - ConsumeQuota returns ErrQuotaExhausted when the conditional increment
//     finds the daily counter already at a finite ceiling.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrQuotaExhausted is returned by ConsumeQuota when the daily counter has
// already reached the supplied ceiling at commit time.
var ErrQuotaExhausted = errors.New("daily quota exhausted")

// UnlimitedQuota is the sentinel ceiling meaning "no daily limit".
const UnlimitedQuota = -1

// dayOf truncates a timestamp to its UTC calendar day.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetOrCreateUser fetches the user row for userID, creating it with zeroed
// counters and LastReset stamped to today when it does not exist yet.
//
// The returned row has the day rollover already applied: if the stored
// LastReset precedes today's date, DailyUsage is reset to 0 and LastReset is
// stamped to today before the row is returned.
func GetOrCreateUser(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*domain.User, error) {
	today := dayOf(now)

	var u domain.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&u, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			u = domain.User{
				UserID:    userID,
				LastReset: today,
				CreatedAt: now.UTC(),
			}
			return tx.Create(&u).Error
		}
		if err != nil {
			return err
		}

		// Day rollover: zero the daily counter before anyone reads it.
		if dayOf(u.LastReset).Before(today) {
			res := tx.Model(&domain.User{}).
				Where("user_id = ?", userID).
				Updates(map[string]any{"daily_usage": 0, "last_reset": today})
			if res.Error != nil {
				return res.Error
			}
			u.DailyUsage = 0
			u.LastReset = today
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ConsumeQuota increments the daily and lifetime counters for userID as one
// serializable unit, re-applying the day rollover first.
//
// ceiling is the per-tier daily limit; UnlimitedQuota disables the check. For
// a finite ceiling the increment is conditional on daily_usage < ceiling, so
// two interleaved consumers can never push the counter past the limit: the
// loser observes ErrQuotaExhausted instead.
func ConsumeQuota(ctx context.Context, db *gorm.DB, userID string, ceiling int, now time.Time) error {
	today := dayOf(now)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Rollover inside the same transaction so a stale counter cannot
		// block the first request of a new day.
		res := tx.Model(&domain.User{}).
			Where("user_id = ? AND last_reset < ?", userID, today).
			Updates(map[string]any{"daily_usage": 0, "last_reset": today})
		if res.Error != nil {
			return res.Error
		}

		q := tx.Model(&domain.User{}).Where("user_id = ?", userID)
		if ceiling != UnlimitedQuota {
			q = q.Where("daily_usage < ?", ceiling)
		}
		res = q.Updates(map[string]any{
			"daily_usage": gorm.Expr("daily_usage + 1"),
			"total_usage": gorm.Expr("total_usage + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Either the row is missing or the ceiling was reached; tell
			// them apart so callers can report the right failure.
			var count int64
			if err := tx.Model(&domain.User{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return ErrQuotaExhausted
		}
		return nil
	})
}

// SetPremiumStatus updates the cached premium flag on the user row.
// Returns ErrNotFound when the user does not exist.
func SetPremiumStatus(ctx context.Context, db *gorm.DB, userID string, premium bool) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("user_id = ?", userID).
		Update("premium_status", premium)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetUser fetches a user row by id, or ErrNotFound if missing.
func GetUser(ctx context.Context, db *gorm.DB, userID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
