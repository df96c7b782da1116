// Package handlers defines the HTTP-layer error codes used across all API
// endpoints. Codes are lowercase snake_case and stable; clients branch on
// them programmatically while messages stay human-readable.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeQuotaExceeded       = "quota_exceeded"
	ErrCodeTranscriptionFailed = "transcription_failed"
	ErrCodeSearchFailed        = "search_failed"
	ErrCodeStatsFailed         = "stats_failed"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)
