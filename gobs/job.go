// Copyright (c) 2025 BVK Chaitanya

// Package gobs defines the gob-encoded record types saved in the database.
// Records are versioned implicitly by their field names; fields must never be
// removed or renamed, only added.
package gobs

import "time"

// JobData is the per-job metadata record. Typename selects the job type
// specific loader for the state record stored in that type's own keyspace.
type JobData struct {
	UID      string
	Typename string

	// State holds the job's persisted disposition: RUNNING, a terminal
	// status or CANCELED.
	State string
}

// StatusRecord is a best-effort observability record for terminal job
// dispositions reported by processors.
type StatusRecord struct {
	UID    string
	Status string
	At     time.Time
}
