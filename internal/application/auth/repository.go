package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
)

// Repository is the key storage the authenticator runs on.
type Repository interface {
	GetKeyByHash(ctx context.Context, keyHash string) (*domain.Key, error)
	GetKeyByID(ctx context.Context, keyID uuid.UUID) (*domain.Key, error)
	CreateKey(ctx context.Context, key *domain.Key) error
	ListKeys(ctx context.Context) ([]*domain.Key, error)
	UpdateKey(ctx context.Context, keyID uuid.UUID, update broker.KeyUpdate) (*domain.Key, error)
	TouchKeyLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error
}
