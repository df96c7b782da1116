package handlers

import (
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voicepipe/go-voice-backend/internal/domain"
	"github.com/voicepipe/go-voice-backend/internal/policy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Transcription{}, &domain.ReactionAction{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	p, err := policy.Load(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return Deps{DB: newTestDB(t), Policy: p}
}

// newRouter wires the handlers onto a bare engine, without the middleware
// chain. Handler behavior is what is under test here.
func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.POST("/events/message", h.PostMessageEvent)
	r.POST("/events/reaction", h.PostReactionEvent)
	r.GET("/users/:id/stats", h.GetUserStats)
	r.GET("/guilds/:id/stats", h.GetGuildStats)
	r.GET("/transcriptions/search", h.SearchTranscriptions)
	r.POST("/admin/blocked/:id", h.BlockUser)
	r.DELETE("/admin/blocked/:id", h.UnblockUser)
	r.POST("/admin/premium-roles", h.AddPremiumRole)
	r.PUT("/admin/users/:id/premium", h.SetPremiumStatus)
	return r
}

func perform(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
}

func wantErrorCode(t *testing.T, w *httptest.ResponseRecorder, code string) {
	t.Helper()
	if !strings.Contains(w.Body.String(), fmt.Sprintf("%q", code)) {
		t.Fatalf("body %s missing error code %q", w.Body.String(), code)
	}
}
