package handler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/domain"
)

// jobView is the wire representation of a job. Fields tagged internal are
// only rendered for ADMIN and the assigned WORKER.
type jobView struct {
	ID               uuid.UUID              `json:"id"`
	State            domain.ProcessingState `json:"state"`
	Progress         float64                `json:"progress"`
	AltoRequired     bool                   `json:"alto_required"`
	PageRequired     bool                   `json:"page_required"`
	MetaJSONRequired bool                   `json:"meta_json_required"`
	MetaJSONUploaded bool                   `json:"meta_json_uploaded"`
	Created          time.Time              `json:"created_date"`
	Started          *time.Time             `json:"started_date"`
	LastChange       time.Time              `json:"last_change"`
	Finished         *time.Time             `json:"finished_date"`
	LogUser          string                 `json:"log_user,omitempty"`
	Images           []imageView            `json:"images,omitempty"`

	// Internal fields.
	OwnerKeyID       *uuid.UUID      `json:"owner_key_id,omitempty"`
	WorkerKeyID      *uuid.UUID      `json:"worker_key_id,omitempty"`
	EngineID         *uuid.UUID      `json:"engine_id,omitempty"`
	PreviousAttempts *int            `json:"previous_attempts,omitempty"`
	Log              string          `json:"log,omitempty"`
	Definition       json.RawMessage `json:"definition,omitempty"`
}

type imageView struct {
	ID            *uuid.UUID `json:"id,omitempty"`
	Name          string     `json:"name"`
	Order         int        `json:"order"`
	ImageHash     *string    `json:"imagehash,omitempty"`
	ImageUploaded bool       `json:"image_uploaded"`
	AltoUploaded  bool       `json:"alto_uploaded"`
	PageUploaded  bool       `json:"page_uploaded"`
}

// internalView reports whether the caller sees internal job fields.
func internalView(caller *domain.Key) bool {
	return caller.Role == domain.RoleAdmin || caller.Role == domain.RoleWorker
}

func toJobView(job *domain.Job, images []*domain.Image, caller *domain.Key) jobView {
	v := jobView{
		ID:               job.ID,
		State:            job.State,
		Progress:         job.Progress,
		AltoRequired:     job.AltoRequired,
		PageRequired:     job.PageRequired,
		MetaJSONRequired: job.MetaJSONRequired,
		MetaJSONUploaded: job.MetaJSONUploaded,
		Created:          job.Created,
		Started:          job.Started,
		LastChange:       job.LastChange,
		Finished:         job.Finished,
		LogUser:          job.LogUser,
	}

	internal := internalView(caller)
	for _, img := range images {
		iv := imageView{
			Name:          img.Name,
			Order:         img.Order,
			ImageHash:     img.ImageHash,
			ImageUploaded: img.ImageUploaded,
			AltoUploaded:  img.AltoUploaded,
			PageUploaded:  img.PageUploaded,
		}
		if internal {
			id := img.ID
			iv.ID = &id
		}
		v.Images = append(v.Images, iv)
	}

	if internal {
		owner := job.OwnerKeyID
		attempts := job.PreviousAttempts
		v.OwnerKeyID = &owner
		v.WorkerKeyID = job.WorkerKeyID
		v.EngineID = job.EngineID
		v.PreviousAttempts = &attempts
		v.Log = job.Log
		v.Definition = job.Definition
	}
	return v
}

type keyView struct {
	ID       uuid.UUID      `json:"id"`
	Label    string         `json:"label"`
	Role     domain.KeyRole `json:"role"`
	Active   bool           `json:"active"`
	Created  time.Time      `json:"created_date"`
	LastUsed *time.Time     `json:"last_used"`
}

func toKeyView(key *domain.Key) keyView {
	return keyView{
		ID:       key.ID,
		Label:    key.Label,
		Role:     key.Role,
		Active:   key.Active,
		Created:  key.Created,
		LastUsed: key.LastUsed,
	}
}

type engineView struct {
	ID         *uuid.UUID      `json:"id,omitempty"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Default    bool            `json:"default"`
	Active     *bool           `json:"active,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Created    *time.Time      `json:"created_date,omitempty"`
	LastUsed   *time.Time      `json:"last_used,omitempty"`
}

func toEngineView(engine *domain.Engine, caller *domain.Key) engineView {
	v := engineView{
		Name:    engine.Name,
		Version: engine.Version,
		Default: engine.Default,
	}
	if caller.Role == domain.RoleAdmin {
		id := engine.ID
		active := engine.Active
		created := engine.Created
		v.ID = &id
		v.Active = &active
		v.Definition = engine.Definition
		v.Created = &created
		v.LastUsed = engine.LastUsed
	}
	return v
}

// leaseView is returned by claim, heartbeat, and progress updates.
type leaseView struct {
	ID            *uuid.UUID `json:"id,omitempty"`
	LeaseExpireAt time.Time  `json:"lease_expire_at"`
	ServerTime    time.Time  `json:"server_time"`
}

func toLeaseView(jobID *uuid.UUID, lease domain.Lease) leaseView {
	return leaseView{ID: jobID, LeaseExpireAt: lease.ExpireAt, ServerTime: lease.ServerTime}
}
