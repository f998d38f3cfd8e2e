package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingStateTerminal(t *testing.T) {
	terminal := []ProcessingState{StateDone, StateFailed, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s", s)
		assert.False(t, s.Cancellable(), "state %s", s)
	}

	live := []ProcessingState{StateNew, StateQueued, StateProcessing, StateError}
	for _, s := range live {
		assert.False(t, s.Terminal(), "state %s", s)
		assert.True(t, s.Cancellable(), "state %s", s)
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []KeyRole{RoleReadonly, RoleUser, RoleWorker, RoleAdmin} {
		assert.True(t, ValidRole(r))
	}
	assert.False(t, ValidRole("superuser"))
	assert.False(t, ValidRole(""))
}

func TestNewLease(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lease := NewLease(now, 5*time.Minute)

	require.Equal(t, now, lease.ServerTime)
	require.Equal(t, now.Add(5*time.Minute), lease.ExpireAt)
}

func TestStateConflictError(t *testing.T) {
	err := StateConflict(ErrUncancellable, StateDone)

	require.ErrorIs(t, err, ErrUncancellable)

	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StateDone, conflict.State)
	assert.Contains(t, err.Error(), "done")
}
