package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/auth/keygen"
	"github.com/DCGM/docbroker/internal/domain"
)

// Authentication failures. The HTTP boundary reports the same generic
// message for missing and invalid keys to avoid oracle behavior.
var (
	ErrKeyMissing  = errors.New("no api key provided")
	ErrKeyInvalid  = errors.New("api key is invalid")
	ErrKeyInactive = errors.New("api key is inactive")
	ErrRoleDenied  = errors.New("api key role is not permitted")
)

// HashKey computes the HMAC-SHA-256 hex digest of a raw key under the
// process secret. Keys are looked up by this digest only.
func HashKey(secret, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// lastUsedUpdate queues a last_used stamp for the background worker.
type lastUsedUpdate struct {
	keyID uuid.UUID
	at    time.Time
}

// Authenticator resolves raw API keys to key records and enforces roles.
// last_used stamps are written by a background worker so lookups never
// block on the extra update.
type Authenticator struct {
	repo       Repository
	secret     string
	appCtx     context.Context
	updates    chan lastUsedUpdate
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	opTimeout  time.Duration
}

// NewAuthenticator starts the last_used worker. ctx should be the
// application context cancelled on shutdown.
func NewAuthenticator(ctx context.Context, repo Repository, secret string) *Authenticator {
	a := &Authenticator{
		repo:       repo,
		secret:     secret,
		appCtx:     ctx,
		updates:    make(chan lastUsedUpdate, 1000),
		shutdownCh: make(chan struct{}),
		opTimeout:  5 * time.Second,
	}
	a.wg.Add(1)
	go a.processLastUsedUpdates()
	return a
}

// Authenticate resolves a raw key and checks it against the allowed roles.
// ADMIN is always allowed. Role order in the error path: invalid key
// before inactive before role mismatch, matching the guard ordering at
// the HTTP boundary.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string, roles ...domain.KeyRole) (*domain.Key, error) {
	if rawKey == "" {
		return nil, ErrKeyMissing
	}

	key, err := a.repo.GetKeyByHash(ctx, HashKey(a.secret, rawKey))
	if errors.Is(err, domain.ErrKeyNotFound) {
		slog.WarnContext(ctx, "authentication failed",
			"key_prefix", keygen.Mask(rawKey))
		return nil, ErrKeyInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up key: %w", err)
	}

	if !key.Active {
		return nil, ErrKeyInactive
	}

	allowed := key.Role == domain.RoleAdmin
	for _, r := range roles {
		if key.Role == r {
			allowed = true
		}
	}
	if !allowed {
		return nil, ErrRoleDenied
	}

	// Queue the last_used stamp; drop it when the channel is full, the
	// stamp is non-critical.
	select {
	case a.updates <- lastUsedUpdate{keyID: key.ID, at: time.Now().UTC()}:
	default:
		slog.WarnContext(ctx, "dropped last_used update, queue full",
			"key_id", key.ID)
	}

	return key, nil
}

func (a *Authenticator) processLastUsedUpdates() {
	defer a.wg.Done()

	for {
		select {
		case update := <-a.updates:
			ctx, cancel := context.WithTimeout(a.appCtx, a.opTimeout)
			if err := a.repo.TouchKeyLastUsed(ctx, update.keyID, update.at); err != nil {
				slog.WarnContext(ctx, "failed to update key last_used",
					"key_id", update.keyID, "error", err)
			}
			cancel()

		case <-a.shutdownCh:
			// Drain what is queued, then exit.
			for {
				select {
				case update := <-a.updates:
					ctx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
					_ = a.repo.TouchKeyLastUsed(ctx, update.keyID, update.at)
					cancel()
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops the background worker, honoring ctx for the wait.
func (a *Authenticator) Shutdown(ctx context.Context) error {
	close(a.shutdownCh)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("authenticator shutdown timeout: %w", ctx.Err())
	}
}

// MintKey creates a key record and returns the raw key, which is visible
// only in this return value.
func MintKey(ctx context.Context, repo Repository, secret, prefix, label string, role domain.KeyRole) (string, *domain.Key, error) {
	if !domain.ValidRole(role) {
		return "", nil, fmt.Errorf("%w: role %q", domain.ErrInvalidInput, role)
	}

	rawKey, err := keygen.Generate(prefix)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	key := &domain.Key{
		ID:      uuid.New(),
		KeyHash: HashKey(secret, rawKey),
		Label:   label,
		Role:    role,
		Active:  true,
		Created: time.Now().UTC(),
	}
	if err := repo.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}
