// Package broker implements the job lifecycle service: creation, artifact
// uploads gated by the readiness predicate, the claim/lease protocol, and
// finalization. All coordination happens through the transactional
// repository; the service holds no in-memory locks.
package broker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/storage/blob"
	"github.com/DCGM/docbroker/internal/validate"
)

// Service wires the repository, blob storage, and payload validation.
type Service struct {
	repo     Repository
	blobs    *blob.Store
	validate *validator.Validate
}

// NewService constructs the broker service.
func NewService(repo Repository, blobs *blob.Store) *Service {
	return &Service{
		repo:     repo,
		blobs:    blobs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// UploadOutcome reports what an artifact upload did.
type UploadOutcome struct {
	// Reuploaded is true when the artifact flag was already set.
	Reuploaded bool
	// Queued is true when this upload completed the job's requirements
	// and promoted it NEW -> QUEUED.
	Queued bool
}

// CreateJob validates the definition and creates the job with its images.
func (s *Service) CreateJob(ctx context.Context, caller *domain.Key, params CreateJobParams) (*domain.Job, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
	}
	seen := make(map[string]struct{}, len(params.Images))
	for _, img := range params.Images {
		if _, dup := seen[img.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate image name %q", domain.ErrInvalidInput, img.Name)
		}
		seen[img.Name] = struct{}{}
	}

	job, err := s.repo.CreateJob(ctx, caller.ID, params)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job created",
		"job_id", job.ID, "owner_key_id", caller.ID, "images", len(params.Images))
	return job, nil
}

// GetJob returns the job and its images for an authorized caller.
func (s *Service) GetJob(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (*domain.Job, []*domain.Image, error) {
	job, err := s.readAccess(ctx, caller, jobID)
	if err != nil {
		return nil, nil, err
	}
	images, err := s.repo.ListImages(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, images, nil
}

// ListJobs returns the caller's jobs, or every job for ADMIN.
func (s *Service) ListJobs(ctx context.Context, caller *domain.Key) ([]*domain.Job, error) {
	if caller.Role == domain.RoleAdmin {
		return s.repo.ListJobs(ctx, nil)
	}
	owner := caller.ID
	return s.repo.ListJobs(ctx, &owner)
}

// ListImages returns the job's images for an authorized caller.
func (s *Service) ListImages(ctx context.Context, caller *domain.Key, jobID uuid.UUID) ([]*domain.Image, error) {
	if _, err := s.readAccess(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListImages(ctx, jobID)
}

// CancelJob cancels a non-terminal job on behalf of its owner.
func (s *Service) CancelJob(ctx context.Context, caller *domain.Key, jobID uuid.UUID) error {
	if _, err := s.ownerAccess(ctx, caller, jobID); err != nil {
		return err
	}
	if err := s.repo.CancelJob(ctx, jobID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job cancelled", "job_id", jobID)
	return nil
}

// UploadImage stores an image payload, flags the image row, and runs the
// readiness promotion.
func (s *Service) UploadImage(ctx context.Context, caller *domain.Key, jobID uuid.UUID, imageName string, data []byte) (UploadOutcome, error) {
	if _, err := s.ownerAccess(ctx, caller, jobID, domain.StateNew); err != nil {
		return UploadOutcome{}, err
	}
	img, err := s.repo.GetImageByName(ctx, jobID, imageName)
	if err != nil {
		return UploadOutcome{}, err
	}

	if err := validate.Image(data); err != nil {
		return UploadOutcome{}, err
	}

	sum := md5.Sum(data)
	imagehash := hex.EncodeToString(sum[:])

	if err := s.blobs.WriteArtifact(jobID, blob.ImageFileName(img.ID), data); err != nil {
		return UploadOutcome{}, err
	}
	return s.finishUpload(ctx, jobID, img.ID, KindImage, &imagehash)
}

// UploadAlto stores an ALTO layout file for one image. The job must
// require ALTO.
func (s *Service) UploadAlto(ctx context.Context, caller *domain.Key, jobID uuid.UUID, imageName string, data []byte) (UploadOutcome, error) {
	job, err := s.ownerAccess(ctx, caller, jobID, domain.StateNew)
	if err != nil {
		return UploadOutcome{}, err
	}
	if !job.AltoRequired {
		return UploadOutcome{}, domain.ErrAltoNotRequired
	}
	img, err := s.repo.GetImageByName(ctx, jobID, imageName)
	if err != nil {
		return UploadOutcome{}, err
	}

	if err := validate.Alto(data); err != nil {
		return UploadOutcome{}, err
	}

	if err := s.blobs.WriteArtifact(jobID, blob.AltoFileName(img.ID), data); err != nil {
		return UploadOutcome{}, err
	}
	return s.finishUpload(ctx, jobID, img.ID, KindAlto, nil)
}

// UploadPage stores a PAGE layout file for one image. The job must
// require PAGE.
func (s *Service) UploadPage(ctx context.Context, caller *domain.Key, jobID uuid.UUID, imageName string, data []byte) (UploadOutcome, error) {
	job, err := s.ownerAccess(ctx, caller, jobID, domain.StateNew)
	if err != nil {
		return UploadOutcome{}, err
	}
	if !job.PageRequired {
		return UploadOutcome{}, domain.ErrPageNotRequired
	}
	img, err := s.repo.GetImageByName(ctx, jobID, imageName)
	if err != nil {
		return UploadOutcome{}, err
	}

	if err := validate.Page(data); err != nil {
		return UploadOutcome{}, err
	}

	if err := s.blobs.WriteArtifact(jobID, blob.PageFileName(img.ID), data); err != nil {
		return UploadOutcome{}, err
	}
	return s.finishUpload(ctx, jobID, img.ID, KindPage, nil)
}

// UploadMetaJSON stores the job-level metadata document. The job must
// require metadata.
func (s *Service) UploadMetaJSON(ctx context.Context, caller *domain.Key, jobID uuid.UUID, data []byte) (UploadOutcome, error) {
	job, err := s.ownerAccess(ctx, caller, jobID, domain.StateNew)
	if err != nil {
		return UploadOutcome{}, err
	}
	if !job.MetaJSONRequired {
		return UploadOutcome{}, domain.ErrMetaJSONNotRequired
	}

	if err := validate.MetaJSON(data); err != nil {
		return UploadOutcome{}, err
	}

	if err := s.blobs.WriteArtifact(jobID, blob.MetaFileName, data); err != nil {
		return UploadOutcome{}, err
	}

	already, err := s.repo.MarkMetaJSONUploaded(ctx, jobID)
	if err != nil {
		return UploadOutcome{}, err
	}
	queued, err := s.repo.TryQueueJob(ctx, jobID)
	if err != nil {
		return UploadOutcome{}, err
	}
	return UploadOutcome{Reuploaded: already, Queued: queued}, nil
}

func (s *Service) finishUpload(ctx context.Context, jobID, imageID uuid.UUID, kind ArtifactKind, imagehash *string) (UploadOutcome, error) {
	already, err := s.repo.MarkImageUploaded(ctx, imageID, kind, imagehash)
	if err != nil {
		return UploadOutcome{}, err
	}
	queued, err := s.repo.TryQueueJob(ctx, jobID)
	if err != nil {
		return UploadOutcome{}, err
	}
	if queued {
		slog.InfoContext(ctx, "job queued", "job_id", jobID)
	}
	return UploadOutcome{Reuploaded: already, Queued: queued}, nil
}

// DownloadArtifact returns one artifact's bytes for the assigned worker.
func (s *Service) DownloadArtifact(ctx context.Context, caller *domain.Key, jobID, imageID uuid.UUID, kind ArtifactKind) ([]byte, error) {
	if _, err := s.workerAccess(ctx, caller, jobID); err != nil {
		return nil, err
	}
	img, err := s.repo.GetImageByID(ctx, jobID, imageID)
	if err != nil {
		return nil, err
	}

	var name string
	switch kind {
	case KindImage:
		name = blob.ImageFileName(img.ID)
	case KindAlto:
		name = blob.AltoFileName(img.ID)
	case KindPage:
		name = blob.PageFileName(img.ID)
	default:
		return nil, fmt.Errorf("%w: unknown artifact kind %q", domain.ErrInvalidInput, kind)
	}
	return s.blobs.ReadArtifact(jobID, name)
}

// DownloadMetaJSON returns the metadata document for the assigned worker.
func (s *Service) DownloadMetaJSON(ctx context.Context, caller *domain.Key, jobID uuid.UUID) ([]byte, error) {
	if _, err := s.workerAccess(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return s.blobs.ReadArtifact(jobID, blob.MetaFileName)
}

// ClaimJob sweeps stale jobs and hands the oldest QUEUED job to the
// calling worker. A nil job means the queue is empty.
func (s *Service) ClaimJob(ctx context.Context, caller *domain.Key) (*domain.Job, domain.Lease, error) {
	job, lease, err := s.repo.ClaimJob(ctx, caller.ID)
	if err != nil {
		return nil, domain.Lease{}, err
	}
	if job != nil {
		slog.InfoContext(ctx, "job assigned",
			"job_id", job.ID, "worker_key_id", caller.ID, "attempt", job.PreviousAttempts)
	}
	return job, lease, nil
}

// Heartbeat renews the caller's lease.
func (s *Service) Heartbeat(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (domain.Lease, error) {
	if _, err := s.workerAccess(ctx, caller, jobID, domain.StateProcessing); err != nil {
		return domain.Lease{}, err
	}
	return s.repo.Heartbeat(ctx, jobID)
}

// UpdateProgress renews the lease and applies progress/log fields. An
// update carrying nothing is rejected.
func (s *Service) UpdateProgress(ctx context.Context, caller *domain.Key, jobID uuid.UUID, update ProgressUpdate) (*domain.Job, domain.Lease, error) {
	if update.Empty() {
		return nil, domain.Lease{}, fmt.Errorf("%w: progress, log, or log_user required", domain.ErrNoFields)
	}
	if _, err := s.workerAccess(ctx, caller, jobID, domain.StateProcessing); err != nil {
		return nil, domain.Lease{}, err
	}
	return s.repo.UpdateProgress(ctx, jobID, update)
}

// ReleaseLease returns the caller's PROCESSING job to the queue.
func (s *Service) ReleaseLease(ctx context.Context, caller *domain.Key, jobID uuid.UUID) error {
	if _, err := s.workerAccess(ctx, caller, jobID, domain.StateProcessing); err != nil {
		return err
	}
	if err := s.repo.ReleaseLease(ctx, jobID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "lease released", "job_id", jobID, "worker_key_id", caller.ID)
	return nil
}

// UploadResult streams the result archive to a `.validating` file,
// verifies it is a readable ZIP, and atomically moves it into place.
// Re-upload overwrites.
func (s *Service) UploadResult(ctx context.Context, caller *domain.Key, jobID uuid.UUID, r io.Reader) error {
	if _, err := s.workerAccess(ctx, caller, jobID, domain.StateProcessing); err != nil {
		return err
	}

	tmpPath, err := s.blobs.StageResult(jobID, r)
	if err != nil {
		return err
	}
	if err := validate.ZipFile(tmpPath); err != nil {
		if derr := s.blobs.DiscardResult(jobID); derr != nil {
			slog.WarnContext(ctx, "failed to discard staged result", "job_id", jobID, "error", derr)
		}
		return err
	}
	return s.blobs.CommitResult(jobID)
}

// CompleteJob finalizes PROCESSING -> DONE. The result archive must
// already be in place; completion is idempotent.
func (s *Service) CompleteJob(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (domain.Code, error) {
	if _, err := s.workerAccess(ctx, caller, jobID, domain.StateProcessing, domain.StateDone); err != nil {
		return "", err
	}
	if !s.blobs.ResultExists(jobID) {
		return "", domain.ErrResultMissing
	}

	code, err := s.repo.CompleteJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if code == domain.CodeJobCompleted {
		slog.InfoContext(ctx, "job completed", "job_id", jobID, "worker_key_id", caller.ID)
	}
	return code, nil
}

// FailJob records a worker failure: PROCESSING -> ERROR. The sweeper
// later requeues or fails the job depending on the attempt budget.
func (s *Service) FailJob(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (domain.Code, error) {
	if _, err := s.workerAccess(ctx, caller, jobID,
		domain.StateProcessing, domain.StateError, domain.StateFailed); err != nil {
		return "", err
	}

	code, err := s.repo.FailJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if code == domain.CodeJobFailed {
		slog.WarnContext(ctx, "job failed by worker", "job_id", jobID, "worker_key_id", caller.ID)
	}
	return code, nil
}

// DownloadResult opens the result archive for an owner (or admin).
// NEW, QUEUED, and PROCESSING jobs answer not-ready; cancelled, failed,
// and errored jobs answer gone.
func (s *Service) DownloadResult(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (*os.File, int64, error) {
	job, err := s.ownerAccess(ctx, caller, jobID)
	if err != nil {
		return nil, 0, err
	}

	switch job.State {
	case domain.StateDone:
		return s.blobs.OpenResult(jobID)
	case domain.StateNew, domain.StateQueued, domain.StateProcessing:
		return nil, 0, domain.StateConflict(domain.ErrResultNotReady, job.State)
	default:
		return nil, 0, domain.StateConflict(domain.ErrResultGone, job.State)
	}
}

// CreateEngine registers a processing engine configuration.
func (s *Service) CreateEngine(ctx context.Context, engine *domain.Engine) error {
	return s.repo.CreateEngine(ctx, engine)
}

// ListEngines lists engines; non-admin callers only see active ones.
func (s *Service) ListEngines(ctx context.Context, caller *domain.Key) ([]*domain.Engine, error) {
	return s.repo.ListEngines(ctx, caller.Role != domain.RoleAdmin)
}

// UpdateEngine applies a partial engine update.
func (s *Service) UpdateEngine(ctx context.Context, engineID uuid.UUID, update EngineUpdate) (*domain.Engine, error) {
	return s.repo.UpdateEngine(ctx, engineID, update)
}
