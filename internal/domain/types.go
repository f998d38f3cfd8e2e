package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessingState is the lifecycle state of a Job.
//
// NEW is the only initial state; DONE, FAILED and CANCELLED are terminal.
// ERROR is a worker-reported failure that the retry sweeper later resolves
// to QUEUED (attempts remaining) or FAILED (budget exhausted).
type ProcessingState string

const (
	StateNew        ProcessingState = "new"
	StateQueued     ProcessingState = "queued"
	StateProcessing ProcessingState = "processing"
	StateError      ProcessingState = "error"
	StateDone       ProcessingState = "done"
	StateCancelled  ProcessingState = "cancelled"
	StateFailed     ProcessingState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s ProcessingState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a user cancel is legal from s.
func (s ProcessingState) Cancellable() bool {
	return !s.Terminal()
}

// KeyRole is the authorization role carried by an API key.
type KeyRole string

const (
	RoleReadonly KeyRole = "readonly"
	RoleUser     KeyRole = "user"
	RoleWorker   KeyRole = "worker"
	RoleAdmin    KeyRole = "admin"
)

// ValidRole reports whether r is one of the defined roles.
func ValidRole(r KeyRole) bool {
	switch r {
	case RoleReadonly, RoleUser, RoleWorker, RoleAdmin:
		return true
	}
	return false
}

// Job is the central entity: one unit of document processing work.
//
// The lease a worker holds on a PROCESSING job is not a separate record; it
// is the pair (WorkerKeyID, LastChange) and expires JobTimeout after
// LastChange.
type Job struct {
	ID         uuid.UUID
	OwnerKeyID uuid.UUID
	// WorkerKeyID is nil except during PROCESSING and, for audit, in ERROR
	// and the terminal states reached from it.
	WorkerKeyID *uuid.UUID
	EngineID    *uuid.UUID

	// Definition is the create request captured verbatim for audit.
	Definition json.RawMessage

	AltoRequired     bool
	PageRequired     bool
	MetaJSONRequired bool
	MetaJSONUploaded bool

	State            ProcessingState
	Progress         float64
	PreviousAttempts int

	Created    time.Time
	Started    *time.Time
	LastChange time.Time
	Finished   *time.Time

	// Log is technical, LogUser is user-facing; both are append-only.
	Log     string
	LogUser string
}

// Image is one input page of a Job. Name is unique within the parent job.
type Image struct {
	ID    uuid.UUID
	JobID uuid.UUID

	Name      string
	Order     int
	ImageHash *string

	ImageUploaded bool
	AltoUploaded  bool
	PageUploaded  bool
}

// Key is an authentication principal. Only the HMAC digest of the raw key
// is ever stored.
type Key struct {
	ID       uuid.UUID
	KeyHash  string
	Label    string
	Role     KeyRole
	Active   bool
	Created  time.Time
	LastUsed *time.Time
}

// Engine is a named, versioned processing configuration selectable per job.
type Engine struct {
	ID         uuid.UUID
	Name       string
	Version    string
	Definition json.RawMessage
	Default    bool
	Active     bool
	Created    time.Time
	LastUsed   *time.Time
}

// Lease is what a successful claim or heartbeat hands back to the worker.
type Lease struct {
	ExpireAt   time.Time
	ServerTime time.Time
}

// NewLease computes a lease starting now with the given job timeout.
func NewLease(now time.Time, timeout time.Duration) Lease {
	return Lease{ExpireAt: now.Add(timeout), ServerTime: now}
}
