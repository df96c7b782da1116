// Package httpapi wires the HTTP transport (Gin) to the pipeline services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, compression,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/config"
	"github.com/voicepipe/go-voice-backend/internal/http/handlers"
	"github.com/voicepipe/go-voice-backend/internal/http/middleware"
	"github.com/voicepipe/go-voice-backend/internal/inflight"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/policy"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/services"
	"github.com/voicepipe/go-voice-backend/internal/sysutil"
)

// Deps bundles everything the router needs injected: storage, the permission
// policy, the reaction map, the chat platform adapter, and the transcription
// gateway.
type Deps struct {
	DB        *gorm.DB
	Policy    *policy.Policy
	Reactions *reactions.Config
	Messenger platform.Messenger
	Gateway   services.TranscriptionGateway
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and wires the services.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip (transcripts are large, highly compressible text)
//  8. Rate limiter (per sender/IP)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB; events carry metadata, not audio)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Response compression
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 8) Token-bucket rate limiter per sender/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeySenderOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (allow all when none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": sysutil.Uptime().String(),
		})
	})

	// Dependency injection: services ← db/policy/gateway/messenger
	voiceSvc := &services.VoiceService{
		DB:                d.DB,
		Gateway:           d.Gateway,
		Messenger:         d.Messenger,
		Policy:            d.Policy,
		Reactions:         d.Reactions,
		InFlight:          inflight.New(),
		Language:          language.Make(cfg.Pipeline.Language),
		ResultMaxRunes:    cfg.Pipeline.ResultMaxRunes,
		EnableQuota:       cfg.Pipeline.EnableQuota,
		EnablePersistence: cfg.Pipeline.EnablePersistence,
		EnableReactions:   cfg.Pipeline.EnableReactions,
	}
	reactionSvc := &services.ReactionService{
		DB:                d.DB,
		Messenger:         d.Messenger,
		Reactions:         d.Reactions,
		SummaryMinRunes:   cfg.Pipeline.SummaryMinRunes,
		EnablePersistence: cfg.Pipeline.EnablePersistence,
	}

	h := handlers.New(voiceSvc, reactionSvc, handlers.Deps{DB: d.DB, Policy: d.Policy})

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Gateway events
		api.POST("/events/message", h.PostMessageEvent)
		api.POST("/events/reaction", h.PostReactionEvent)

		// Statistics
		api.GET("/users/:id/stats", h.GetUserStats)
		api.GET("/guilds/:id/stats", h.GetGuildStats)

		// History
		api.GET("/transcriptions/search", h.SearchTranscriptions)

		// Admin (shared-secret gated)
		admin := api.Group("/admin", middleware.APIKeyAuth(cfg.AdminAPIKey))
		{
			admin.POST("/blocked/:id", h.BlockUser)
			admin.DELETE("/blocked/:id", h.UnblockUser)
			admin.POST("/premium-roles", h.AddPremiumRole)
			admin.PUT("/users/:id/premium", h.SetPremiumStatus)
		}
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on read downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
