package broker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/domain"
)

// ArtifactKind names the three per-image artifact types.
type ArtifactKind string

const (
	KindImage ArtifactKind = "image"
	KindAlto  ArtifactKind = "alto"
	KindPage  ArtifactKind = "page"
)

// ImageDef is one image entry of a job definition.
type ImageDef struct {
	Name  string `json:"name" validate:"required,max=300"`
	Order int    `json:"order" validate:"gte=0"`
}

// CreateJobParams is the validated create request.
type CreateJobParams struct {
	Images           []ImageDef `json:"images" validate:"required,min=1,dive"`
	AltoRequired     bool       `json:"alto_required"`
	PageRequired     bool       `json:"page_required"`
	MetaJSONRequired bool       `json:"meta_json_required"`
	EngineName       *string    `json:"engine_name,omitempty"`
	EngineVersion    *string    `json:"engine_version,omitempty"`

	// Definition is the raw request body, persisted for audit.
	Definition json.RawMessage `json:"-"`
}

// ProgressUpdate carries the optional fields of a worker progress report.
type ProgressUpdate struct {
	Progress *float64
	Log      string
	LogUser  string
}

// Empty reports whether the update carries nothing to apply.
func (u ProgressUpdate) Empty() bool {
	return u.Progress == nil && u.Log == "" && u.LogUser == ""
}

// KeyUpdate is a partial update of an API key record.
type KeyUpdate struct {
	Label  *string
	Role   *domain.KeyRole
	Active *bool
}

// EngineUpdate is a partial update of an engine record.
type EngineUpdate struct {
	Default *bool
	Active  *bool
}

// Repository is the transactional store the broker service runs on.
// Implementations must make every state-changing job operation a single
// transaction holding a row-level exclusive lock on the job.
type Repository interface {
	CreateJob(ctx context.Context, ownerKeyID uuid.UUID, params CreateJobParams) (*domain.Job, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, ownerKeyID *uuid.UUID) ([]*domain.Job, error)
	// CancelJob moves a non-terminal job to CANCELLED. Terminal jobs yield
	// a StateConflictError wrapping domain.ErrUncancellable.
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	// TryQueueJob runs the readiness predicate as a single conditional
	// update and reports whether the job was promoted NEW -> QUEUED.
	TryQueueJob(ctx context.Context, jobID uuid.UUID) (bool, error)

	ListImages(ctx context.Context, jobID uuid.UUID) ([]*domain.Image, error)
	GetImageByName(ctx context.Context, jobID uuid.UUID, name string) (*domain.Image, error)
	GetImageByID(ctx context.Context, jobID, imageID uuid.UUID) (*domain.Image, error)
	// MarkImageUploaded sets the artifact flag (and imagehash for image
	// payloads) and reports whether the flag was already set.
	MarkImageUploaded(ctx context.Context, imageID uuid.UUID, kind ArtifactKind, imagehash *string) (bool, error)
	MarkMetaJSONUploaded(ctx context.Context, jobID uuid.UUID) (bool, error)

	// ClaimJob runs the retry sweeper and then claims the oldest QUEUED
	// job for the worker. Returns (nil, zero lease, nil) on empty queue.
	ClaimJob(ctx context.Context, workerKeyID uuid.UUID) (*domain.Job, domain.Lease, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID) (domain.Lease, error)
	UpdateProgress(ctx context.Context, jobID uuid.UUID, update ProgressUpdate) (*domain.Job, domain.Lease, error)
	ReleaseLease(ctx context.Context, jobID uuid.UUID) error
	// CompleteJob returns JOB_COMPLETED, or JOB_ALREADY_COMPLETED for a
	// job already in DONE.
	CompleteJob(ctx context.Context, jobID uuid.UUID) (domain.Code, error)
	// FailJob moves PROCESSING to ERROR; returns JOB_ALREADY_FAILED when
	// the job already sits in ERROR or FAILED.
	FailJob(ctx context.Context, jobID uuid.UUID) (domain.Code, error)

	CreateEngine(ctx context.Context, engine *domain.Engine) error
	ListEngines(ctx context.Context, onlyActive bool) ([]*domain.Engine, error)
	UpdateEngine(ctx context.Context, engineID uuid.UUID, update EngineUpdate) (*domain.Engine, error)
}
