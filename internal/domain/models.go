// Package domain defines the persistence models for users, transcriptions,
// and reaction actions. These types are mapped with GORM and form the core
// data layer of the voice transcription service.
package domain

import (
	"time"
)

// User represents one chat-platform identity that has sent at least one voice
// attachment. Rows are created lazily on first contact and never deleted.
//
// Fields:
//   - UserID: opaque stable platform identifier, primary key.
//   - PremiumStatus: cached premium flag (informational; the live tier is
//     resolved from role data at event time).
//   - DailyUsage: successful transcriptions since the last daily reset.
//   - TotalUsage: lifetime successful transcriptions.
//   - LastReset: date (UTC midnight) the daily counter was last zeroed.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type User struct {
	UserID        string    `json:"user_id"        gorm:"type:varchar(64);primaryKey"`
	PremiumStatus bool      `json:"premium_status" gorm:"not null;default:false"`
	DailyUsage    int       `json:"daily_usage"    gorm:"not null;default:0"`
	TotalUsage    int64     `json:"total_usage"    gorm:"not null;default:0"`
	LastReset     time.Time `json:"last_reset"     gorm:"not null"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Transcription records one completed voice transcription.
//
// MessageID is the origin event id and is unique: the same inbound message can
// never produce two rows. ResultMessageID is attached once, after the public
// result has been published, and Summary once a summarize action has run.
// Rows are otherwise immutable.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - MessageID: origin event id (unique).
//   - UserID: owning user (indexed, FK).
//   - GuildID: origin community id; nil for direct messages.
//   - ChannelID: origin channel id.
//   - FileName / FileSize: source attachment metadata.
//   - Duration: audio length in seconds when known.
//   - Transcription: recognized transcript text.
//   - Summary: derived summary, attached later by the summarize processor.
//   - Language: BCP 47 tag of the configured transcript language.
//   - ResultMessageID: id of the published public result, attached post-publish.
type Transcription struct {
	ID              string    `json:"id"                 gorm:"type:char(36);primaryKey"`
	MessageID       string    `json:"message_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_transcriptions_message"`
	UserID          string    `json:"user_id"            gorm:"type:varchar(64);not null;index:idx_user_transcriptions"`
	GuildID         *string   `json:"guild_id,omitempty" gorm:"type:varchar(64);index"`
	ChannelID       string    `json:"channel_id"         gorm:"type:varchar(64);not null;index"`
	FileName        string    `json:"file_name"          gorm:"type:varchar(255);not null"`
	FileSize        int64     `json:"file_size"          gorm:"not null"`
	Duration        *float64  `json:"duration,omitempty"`
	Transcription   string    `json:"transcription"      gorm:"type:text;not null"`
	Summary         *string   `json:"summary,omitempty"  gorm:"type:text"`
	Language        string    `json:"language"           gorm:"type:varchar(16);not null"`
	ResultMessageID string    `json:"result_message_id"  gorm:"type:varchar(64);index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// User is the owning identity. The FK keeps history attributable.
	User User `json:"-" gorm:"belongsTo;foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Transcription.
func (Transcription) TableName() string { return "transcriptions" }

// ReactionAction is one row of the append-only audit log: a single
// (transcription, user, reaction) outcome. Rows are never mutated or deleted.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - TranscriptionID: the transcription the reaction targeted (indexed, FK).
//   - UserID: acting identity.
//   - Reaction: the reaction symbol as posted (e.g. "📝").
//   - ActionType: resolved action name (e.g. "summarize", "translate").
//   - Result: outcome status ("success", "failed").
type ReactionAction struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	TranscriptionID string    `json:"transcription_id" gorm:"type:char(36);not null;index:idx_transcription_actions"`
	UserID          string    `json:"user_id"          gorm:"type:varchar(64);not null;index"`
	Reaction        string    `json:"reaction"         gorm:"type:varchar(32);not null"`
	ActionType      string    `json:"action_type"      gorm:"type:varchar(64);not null"`
	Result          string    `json:"result"           gorm:"type:varchar(32);not null"`
	CreatedAt       time.Time `json:"created_at"`

	// Transcription is the audited target. Audit rows go with it if the
	// transcription is ever purged.
	Transcription Transcription `json:"-" gorm:"foreignKey:TranscriptionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ReactionAction.
func (ReactionAction) TableName() string { return "reaction_actions" }
