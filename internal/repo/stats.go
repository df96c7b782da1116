// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate/statistics queries over the
// transcription history, consumed by the stats endpoints of the HTTP layer.
// Each function is context-aware and safe to call from services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/domain"
)

// ChannelCount pairs a channel id with the number of transcriptions recorded
// in it.
type ChannelCount struct {
	ChannelID string `json:"channel_id"`
	Count     int64  `json:"count"`
}

// UserCount pairs a user id with the number of transcriptions they produced.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// DateCount pairs a calendar date (YYYY-MM-DD) with a transcription count.
type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// UserStats aggregates one user's usage: the live counters plus this month's
// volume and their most used channels.
type UserStats struct {
	User           domain.User    `json:"user"`
	MonthlyCount   int64          `json:"monthly_count"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	TopChannels    []ChannelCount `json:"top_channels"`
}

// GuildStats aggregates one community's recent activity.
type GuildStats struct {
	TotalTranscriptions int64       `json:"total_transcriptions"`
	UniqueUsers         int64       `json:"unique_users"`
	TotalSizeBytes      int64       `json:"total_size_bytes"`
	AvgTranscriptRunes  int64       `json:"avg_transcript_length"`
	Daily               []DateCount `json:"daily"`
	TopUsers            []UserCount `json:"top_users"`
}

// GetUserStats returns usage statistics for one user: their counters, the
// number and byte volume of transcriptions since the first of the current
// month, and their three most used channels. Returns ErrNotFound when the
// user has never been seen.
func GetUserStats(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*UserStats, error) {
	u, err := GetUser(ctx, db, userID)
	if err != nil {
		return nil, err
	}

	firstOfMonth := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)

	var monthly struct {
		Count     int64
		TotalSize int64
	}
	err = db.WithContext(ctx).Model(&domain.Transcription{}).
		Select("COUNT(*) AS count, COALESCE(SUM(file_size), 0) AS total_size").
		Where("user_id = ? AND created_at >= ?", userID, firstOfMonth).
		Scan(&monthly).Error
	if err != nil {
		return nil, err
	}

	var channels []ChannelCount
	err = db.WithContext(ctx).Model(&domain.Transcription{}).
		Select("channel_id, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("channel_id").
		Order("count DESC").
		Limit(3).
		Scan(&channels).Error
	if err != nil {
		return nil, err
	}

	return &UserStats{
		User:           *u,
		MonthlyCount:   monthly.Count,
		TotalSizeBytes: monthly.TotalSize,
		TopChannels:    channels,
	}, nil
}

// GetGuildStats returns activity statistics for one community over the last
// `days` days: totals, unique users, byte volume, average transcript length,
// a per-day histogram, and the ten most active users.
func GetGuildStats(ctx context.Context, db *gorm.DB, guildID string, days int, now time.Time) (*GuildStats, error) {
	if days <= 0 {
		days = 30
	}
	since := now.UTC().AddDate(0, 0, -days)

	var overall struct {
		Total     int64
		Users     int64
		TotalSize int64
		AvgLen    float64
	}
	err := db.WithContext(ctx).Model(&domain.Transcription{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT user_id) AS users, COALESCE(SUM(file_size), 0) AS total_size, COALESCE(AVG(LENGTH(transcription)), 0) AS avg_len").
		Where("guild_id = ? AND created_at >= ?", guildID, since).
		Scan(&overall).Error
	if err != nil {
		return nil, err
	}

	var daily []DateCount
	err = db.WithContext(ctx).Model(&domain.Transcription{}).
		Select("date(created_at) AS date, COUNT(*) AS count").
		Where("guild_id = ? AND created_at >= ?", guildID, since).
		Group("date(created_at)").
		Order("date DESC").
		Scan(&daily).Error
	if err != nil {
		return nil, err
	}

	var topUsers []UserCount
	err = db.WithContext(ctx).Model(&domain.Transcription{}).
		Select("user_id, COUNT(*) AS count").
		Where("guild_id = ? AND created_at >= ?", guildID, since).
		Group("user_id").
		Order("count DESC").
		Limit(10).
		Scan(&topUsers).Error
	if err != nil {
		return nil, err
	}

	return &GuildStats{
		TotalTranscriptions: overall.Total,
		UniqueUsers:         overall.Users,
		TotalSizeBytes:      overall.TotalSize,
		AvgTranscriptRunes:  int64(overall.AvgLen),
		Daily:               daily,
		TopUsers:            topUsers,
	}, nil
}
