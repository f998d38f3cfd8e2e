package broker

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/domain"
)

// ownerAccess authorizes an owner-scoped operation: the job must exist and
// belong to the caller. ADMIN bypasses ownership; state checks, when
// given, apply to everyone.
func (s *Service) ownerAccess(ctx context.Context, caller *domain.Key, jobID uuid.UUID, states ...domain.ProcessingState) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if caller.Role != domain.RoleAdmin && job.OwnerKeyID != caller.ID {
		return nil, domain.ErrForbidden
	}

	if err := checkState(job, states); err != nil {
		return nil, err
	}
	return job, nil
}

// workerAccess authorizes a worker-scoped operation: the job must exist
// and the caller must hold its lease. ADMIN bypasses the worker match;
// state checks, when given, apply to everyone. The state check runs first
// so that a worker whose lease was reclaimed (worker reference cleared by
// the sweeper) sees the state conflict, not a forbidden.
func (s *Service) workerAccess(ctx context.Context, caller *domain.Key, jobID uuid.UUID, states ...domain.ProcessingState) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := checkState(job, states); err != nil {
		return nil, err
	}

	if caller.Role != domain.RoleAdmin {
		if job.WorkerKeyID == nil || *job.WorkerKeyID != caller.ID {
			return nil, domain.ErrForbidden
		}
	}
	return job, nil
}

// readAccess authorizes a read: owners (and READONLY keys) see their own
// jobs, the assigned worker sees its job, ADMIN sees everything.
func (s *Service) readAccess(ctx context.Context, caller *domain.Key, jobID uuid.UUID) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch caller.Role {
	case domain.RoleAdmin:
		return job, nil
	case domain.RoleWorker:
		if job.WorkerKeyID != nil && *job.WorkerKeyID == caller.ID {
			return job, nil
		}
	default:
		if job.OwnerKeyID == caller.ID {
			return job, nil
		}
	}
	return nil, domain.ErrForbidden
}

func checkState(job *domain.Job, states []domain.ProcessingState) error {
	if len(states) == 0 || slices.Contains(states, job.State) {
		return nil
	}
	if len(states) == 1 && states[0] == domain.StateNew {
		return domain.StateConflict(domain.ErrJobNotNew, job.State)
	}
	if slices.Contains(states, domain.StateProcessing) {
		return domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}
	return domain.StateConflict(domain.ErrInvalidState, job.State)
}
