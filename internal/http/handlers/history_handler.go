// History HTTP handlers.
//
// This file exposes search over the stored transcription history:
//   - GET /transcriptions/search?q=...&guild_id=...&page=...&page_size=...
//
// Search is a case-insensitive substring match over the transcript text,
// newest first, optionally scoped to one community.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/repo"
	"github.com/voicepipe/go-voice-backend/internal/utils"
)

// Pagination carries page metadata on list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// SearchTranscriptionsResponse wraps a page of matching transcriptions.
type SearchTranscriptionsResponse struct {
	Transcriptions []domain.Transcription `json:"transcriptions"`
	Pagination     Pagination             `json:"pagination"`
}

// clampPagination parses page/page_size query parameters with defaults and
// caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// SearchTranscriptions returns a page of transcriptions whose text contains
// the query string.
func (h *Handlers) SearchTranscriptions(c *gin.Context) {
	ctx := c.Request.Context()

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter q required")
		return
	}

	var guildID *string
	if g := strings.TrimSpace(c.Query("guild_id")); g != "" {
		guildID = &g
	}

	page, pageSize := clampPagination(c)
	offset := (page - 1) * pageSize

	total, err := repo.CountTranscriptionsSearch(ctx, h.deps.DB, query, guildID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSearchFailed, err.Error())
		return
	}

	items := []domain.Transcription{}
	if total > 0 {
		items, err = repo.SearchTranscriptions(ctx, h.deps.DB, query, guildID, offset, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeSearchFailed, err.Error())
			return
		}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, SearchTranscriptionsResponse{
		Transcriptions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
