// Package memory is an in-memory implementation of the broker repository.
// It mirrors the PostgreSQL store's transition semantics under a single
// mutex and backs the service and handler tests; it is not meant for
// production use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	sqlstorage "github.com/DCGM/docbroker/internal/storage/sql"
)

// Store keeps all entities in maps guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	jobCfg  sqlstorage.JobConfig
	jobs    map[uuid.UUID]*domain.Job
	images  map[uuid.UUID]*domain.Image
	keys    map[uuid.UUID]*domain.Key
	engines map[uuid.UUID]*domain.Engine

	// Now is the clock; tests may replace it to simulate lease expiry.
	Now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore(jobCfg sqlstorage.JobConfig) *Store {
	return &Store{
		jobCfg:  jobCfg,
		jobs:    make(map[uuid.UUID]*domain.Job),
		images:  make(map[uuid.UUID]*domain.Image),
		keys:    make(map[uuid.UUID]*domain.Key),
		engines: make(map[uuid.UUID]*domain.Engine),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func copyJob(j *domain.Job) *domain.Job {
	copied := *j
	return &copied
}

func copyImage(i *domain.Image) *domain.Image {
	copied := *i
	return &copied
}

// === broker.Repository: jobs ===

func (s *Store) CreateJob(_ context.Context, ownerKeyID uuid.UUID, params broker.CreateJobParams) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var engineID *uuid.UUID
	if params.EngineName != nil {
		found := false
		for _, e := range s.engines {
			if e.Name != *params.EngineName {
				continue
			}
			if params.EngineVersion != nil && e.Version != *params.EngineVersion {
				continue
			}
			found = true
			if e.Active {
				id := e.ID
				engineID = &id
				break
			}
		}
		if engineID == nil {
			if found {
				return nil, domain.ErrEngineInactive
			}
			return nil, domain.ErrEngineNotFound
		}
	} else {
		for _, e := range s.engines {
			if e.Default && e.Active {
				id := e.ID
				engineID = &id
				break
			}
		}
	}

	now := s.Now()
	job := &domain.Job{
		ID:               uuid.New(),
		OwnerKeyID:       ownerKeyID,
		EngineID:         engineID,
		Definition:       params.Definition,
		AltoRequired:     params.AltoRequired,
		PageRequired:     params.PageRequired,
		MetaJSONRequired: params.MetaJSONRequired,
		State:            domain.StateNew,
		Created:          now,
		LastChange:       now,
	}
	s.jobs[job.ID] = job

	for _, def := range params.Images {
		img := &domain.Image{
			ID:    uuid.New(),
			JobID: job.ID,
			Name:  def.Name,
			Order: def.Order,
		}
		s.images[img.ID] = img
	}
	return copyJob(job), nil
}

func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *Store) ListJobs(_ context.Context, ownerKeyID *uuid.UUID) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range s.jobs {
		if ownerKeyID == nil || job.OwnerKeyID == *ownerKeyID {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.After(jobs[j].Created) })
	return jobs, nil
}

func (s *Store) CancelJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State.Terminal() {
		return domain.StateConflict(domain.ErrUncancellable, job.State)
	}

	now := s.Now()
	job.State = domain.StateCancelled
	job.Finished = &now
	job.LastChange = now
	return nil
}

func (s *Store) TryQueueJob(_ context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.State != domain.StateNew {
		return false, nil
	}
	if job.MetaJSONRequired && !job.MetaJSONUploaded {
		return false, nil
	}
	for _, img := range s.images {
		if img.JobID != jobID {
			continue
		}
		if !img.ImageUploaded {
			return false, nil
		}
		if job.AltoRequired && !img.AltoUploaded {
			return false, nil
		}
		if job.PageRequired && !img.PageUploaded {
			return false, nil
		}
	}

	job.State = domain.StateQueued
	job.LastChange = s.Now()
	if job.EngineID != nil {
		if engine, ok := s.engines[*job.EngineID]; ok {
			at := job.LastChange
			engine.LastUsed = &at
		}
	}
	return true, nil
}

// === broker.Repository: images ===

func (s *Store) ListImages(_ context.Context, jobID uuid.UUID) ([]*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}
	var images []*domain.Image
	for _, img := range s.images {
		if img.JobID == jobID {
			images = append(images, copyImage(img))
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Order < images[j].Order })
	return images, nil
}

func (s *Store) GetImageByName(_ context.Context, jobID uuid.UUID, name string) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range s.images {
		if img.JobID == jobID && img.Name == name {
			return copyImage(img), nil
		}
	}
	return nil, domain.ErrImageNotFound
}

func (s *Store) GetImageByID(_ context.Context, jobID, imageID uuid.UUID) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[imageID]
	if !ok || img.JobID != jobID {
		return nil, domain.ErrImageNotFound
	}
	return copyImage(img), nil
}

func (s *Store) MarkImageUploaded(_ context.Context, imageID uuid.UUID, kind broker.ArtifactKind, imagehash *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[imageID]
	if !ok {
		return false, domain.ErrImageNotFound
	}

	var already bool
	switch kind {
	case broker.KindImage:
		already = img.ImageUploaded
		img.ImageUploaded = true
	case broker.KindAlto:
		already = img.AltoUploaded
		img.AltoUploaded = true
	case broker.KindPage:
		already = img.PageUploaded
		img.PageUploaded = true
	default:
		return false, fmt.Errorf("%w: unknown artifact kind %q", domain.ErrInvalidInput, kind)
	}
	if imagehash != nil {
		img.ImageHash = imagehash
	}
	return already, nil
}

func (s *Store) MarkMetaJSONUploaded(_ context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	already := job.MetaJSONUploaded
	job.MetaJSONUploaded = true
	return already, nil
}

// === broker.Repository: worker operations ===

// sweepStale mirrors the SQL sweeper; the caller holds the mutex.
func (s *Store) sweepStale(now time.Time) {
	staleThreshold := now.Add(-(s.jobCfg.Timeout + s.jobCfg.TimeoutGrace))
	for _, job := range s.jobs {
		retryable := job.State == domain.StateError ||
			(job.State == domain.StateProcessing && job.LastChange.Before(staleThreshold))
		if !retryable {
			continue
		}
		if job.PreviousAttempts < s.jobCfg.MaxAttempts {
			job.State = domain.StateQueued
			job.WorkerKeyID = nil
			job.Progress = 0
			job.LastChange = now
		} else {
			job.State = domain.StateFailed
			finished := now
			job.Finished = &finished
			job.LastChange = now
			job.Progress = 1.0
		}
	}
}

func (s *Store) ClaimJob(_ context.Context, workerKeyID uuid.UUID) (*domain.Job, domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	s.sweepStale(now)

	var oldest *domain.Job
	for _, job := range s.jobs {
		if job.State != domain.StateQueued {
			continue
		}
		if oldest == nil || job.Created.Before(oldest.Created) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, domain.Lease{}, nil
	}

	oldest.State = domain.StateProcessing
	worker := workerKeyID
	oldest.WorkerKeyID = &worker
	if oldest.Started == nil {
		started := now
		oldest.Started = &started
	}
	oldest.LastChange = now
	oldest.PreviousAttempts++

	return copyJob(oldest), domain.NewLease(now, s.jobCfg.Timeout), nil
}

func (s *Store) Heartbeat(_ context.Context, jobID uuid.UUID) (domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Lease{}, domain.ErrJobNotFound
	}
	if job.State != domain.StateProcessing {
		return domain.Lease{}, domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}

	now := s.Now()
	job.LastChange = now
	return domain.NewLease(now, s.jobCfg.Timeout), nil
}

func appendLog(existing, added string) string {
	if added == "" {
		return existing
	}
	if existing == "" {
		return added
	}
	if existing[len(existing)-1] != '\n' {
		existing += "\n"
	}
	return existing + added
}

func (s *Store) UpdateProgress(_ context.Context, jobID uuid.UUID, update broker.ProgressUpdate) (*domain.Job, domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.Lease{}, domain.ErrJobNotFound
	}
	if job.State != domain.StateProcessing {
		return nil, domain.Lease{}, domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}

	if update.Progress != nil {
		job.Progress = min(1.0, max(0.0, *update.Progress))
	}
	job.Log = appendLog(job.Log, update.Log)
	job.LogUser = appendLog(job.LogUser, update.LogUser)

	now := s.Now()
	job.LastChange = now
	return copyJob(job), domain.NewLease(now, s.jobCfg.Timeout), nil
}

func (s *Store) ReleaseLease(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateProcessing {
		return domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}

	job.State = domain.StateQueued
	job.WorkerKeyID = nil
	job.LastChange = s.Now()
	return nil
}

func (s *Store) CompleteJob(_ context.Context, jobID uuid.UUID) (domain.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if job.State == domain.StateDone {
		return domain.CodeJobAlreadyCompleted, nil
	}
	if job.State != domain.StateProcessing {
		return "", domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}

	now := s.Now()
	job.State = domain.StateDone
	job.Progress = 1.0
	job.Finished = &now
	job.LastChange = now
	return domain.CodeJobCompleted, nil
}

func (s *Store) FailJob(_ context.Context, jobID uuid.UUID) (domain.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if job.State == domain.StateError || job.State == domain.StateFailed {
		return domain.CodeJobAlreadyFailed, nil
	}
	if job.State != domain.StateProcessing {
		return "", domain.StateConflict(domain.ErrNotInProcessing, job.State)
	}

	job.State = domain.StateError
	job.LastChange = s.Now()
	return domain.CodeJobFailed, nil
}

// === broker.Repository: engines ===

func (s *Store) CreateEngine(_ context.Context, engine *domain.Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.engines {
		if existing.Name == engine.Name && existing.Version == engine.Version {
			return fmt.Errorf("%w: engine %s/%s", domain.ErrLabelExists, engine.Name, engine.Version)
		}
	}
	copied := *engine
	s.engines[engine.ID] = &copied
	return nil
}

func (s *Store) ListEngines(_ context.Context, onlyActive bool) ([]*domain.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var engines []*domain.Engine
	for _, engine := range s.engines {
		if onlyActive && !engine.Active {
			continue
		}
		copied := *engine
		engines = append(engines, &copied)
	}
	sort.Slice(engines, func(i, j int) bool {
		if engines[i].Name != engines[j].Name {
			return engines[i].Name < engines[j].Name
		}
		return engines[i].Version < engines[j].Version
	})
	return engines, nil
}

func (s *Store) UpdateEngine(_ context.Context, engineID uuid.UUID, update broker.EngineUpdate) (*domain.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, ok := s.engines[engineID]
	if !ok {
		return nil, domain.ErrEngineNotFound
	}
	if update.Default != nil {
		engine.Default = *update.Default
	}
	if update.Active != nil {
		engine.Active = *update.Active
	}
	copied := *engine
	return &copied, nil
}

// === auth.Repository ===

func (s *Store) CreateKey(_ context.Context, key *domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.keys {
		if existing.Label == key.Label {
			return fmt.Errorf("%w: %s", domain.ErrLabelExists, key.Label)
		}
	}
	copied := *key
	s.keys[key.ID] = &copied
	return nil
}

func (s *Store) GetKeyByHash(_ context.Context, keyHash string) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.KeyHash == keyHash {
			copied := *key
			return &copied, nil
		}
	}
	return nil, domain.ErrKeyNotFound
}

func (s *Store) GetKeyByID(_ context.Context, keyID uuid.UUID) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	copied := *key
	return &copied, nil
}

func (s *Store) ListKeys(_ context.Context) ([]*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]*domain.Key, 0, len(s.keys))
	for _, key := range s.keys {
		copied := *key
		keys = append(keys, &copied)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Label < keys[j].Label })
	return keys, nil
}

func (s *Store) UpdateKey(_ context.Context, keyID uuid.UUID, update broker.KeyUpdate) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	if update.Label != nil {
		for _, other := range s.keys {
			if other.ID != keyID && other.Label == *update.Label {
				return nil, fmt.Errorf("%w: %s", domain.ErrLabelExists, *update.Label)
			}
		}
		key.Label = *update.Label
	}
	if update.Role != nil {
		key.Role = *update.Role
	}
	if update.Active != nil {
		key.Active = *update.Active
	}
	copied := *key
	return &copied, nil
}

func (s *Store) TouchKeyLastUsed(_ context.Context, keyID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		stamped := at
		key.LastUsed = &stamped
	}
	return nil
}
