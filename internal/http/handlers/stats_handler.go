// Statistics HTTP handlers.
//
// This file exposes read-only usage statistics over the stored transcription
// history:
//   - GET /users/:id/stats    (one identity's counters and monthly volume)
//   - GET /guilds/:id/stats   (one community's recent activity)
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/policy"
	"github.com/voicepipe/go-voice-backend/internal/repo"
	"github.com/voicepipe/go-voice-backend/internal/utils"
)

// Deps carries the shared dependencies the read-only and admin handlers use
// directly, without a service in between.
type Deps struct {
	// DB is the GORM handle for history and stats queries.
	DB *gorm.DB
	// Policy is the permission policy mutated by the admin endpoints.
	Policy *policy.Policy
}

// guildStatsDefaultDays is the default window for guild statistics.
const guildStatsDefaultDays = 7

// guildStatsMaxDays caps the guild statistics window.
const guildStatsMaxDays = 90

// GetUserStats returns usage statistics for one user.
func (h *Handlers) GetUserStats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	stats, err := repo.GetUserStats(ctx, h.deps.DB, userID, time.Now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, stats)
}

// GetGuildStats returns recent activity statistics for one community. The
// window defaults to a week and is capped; invalid values fall back to the
// default.
func (h *Handlers) GetGuildStats(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("id")

	days := utils.AtoiDefault(c.Query("days"), guildStatsDefaultDays)
	if days < 1 {
		days = guildStatsDefaultDays
	}
	if days > guildStatsMaxDays {
		days = guildStatsMaxDays
	}

	stats, err := repo.GetGuildStats(ctx, h.deps.DB, guildID, days, time.Now())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, stats)
}
