package entity_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

func TestJobStatus_Transitions(t *testing.T) {
	legal := []struct {
		from, to entity.JobStatus
	}{
		{entity.StatusQueued, entity.StatusRunning},
		{entity.StatusQueued, entity.StatusCancelled},
		{entity.StatusRunning, entity.StatusSuccess},
		{entity.StatusRunning, entity.StatusFailed},
		{entity.StatusRunning, entity.StatusCancelled},
	}
	for _, tc := range legal {
		assert.NoError(t, tc.from.ValidateTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobStatus_TerminalIsFinal(t *testing.T) {
	for _, from := range []entity.JobStatus{
		entity.StatusSuccess, entity.StatusFailed, entity.StatusCancelled,
	} {
		for _, to := range []entity.JobStatus{
			entity.StatusQueued, entity.StatusRunning, entity.StatusSuccess,
			entity.StatusFailed, entity.StatusCancelled,
		} {
			err := from.ValidateTransition(to)
			assert.ErrorIs(t, err, entity.ErrJobAlreadyTerminal, "%s -> %s", from, to)
		}
	}
}

func TestJobStatus_NoBackwardTransition(t *testing.T) {
	err := entity.StatusRunning.ValidateTransition(entity.StatusQueued)
	require.Error(t, err)

	var ite *entity.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, entity.StatusRunning, ite.From)
	assert.Equal(t, entity.StatusQueued, ite.To)
}

func TestJobPriority_Rank(t *testing.T) {
	assert.Greater(t, entity.PriorityHigh.Rank(), entity.PriorityMedium.Rank())
	assert.Greater(t, entity.PriorityMedium.Rank(), entity.PriorityLow.Rank())
	assert.False(t, entity.JobPriority("Urgent").Valid())
}
