// Package services defines the business logic of the transcription pipeline
// and the reaction dispatcher. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// Gateway failures (upload, workflow, empty transcript, missing credentials)
// keep their sentinels in the dify package; delivery refusal keeps its
// sentinel in the platform package. Callers compose the full taxonomy with
// errors.Is across the three packages.
package services

import "errors"

var (
	// ErrQuotaExceeded is returned when an identity's daily ceiling is
	// reached, either at the pre-flight check (no external call is made)
	// or at counter-consumption time under concurrency.
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrDuplicateEvent marks an inbound event that is already being
	// processed. It is absorbed at the pipeline boundary and never
	// surfaces to users.
	ErrDuplicateEvent = errors.New("event already in flight")

	// ErrPersistenceUnavailable wraps storage failures so callers can
	// report them uniformly.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrPublishFailed is returned when the transcript was produced and
	// stored but the public result could not be posted. The stored row is
	// kept; the caller decides how to surface the failure.
	ErrPublishFailed = errors.New("publishing result failed")
)
