package learner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(nil, "every so often")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestScheduler_RunsUntilCanceled(t *testing.T) {
	store := newStore(t)
	runs := newFakeRunLog()
	l, err := New(&fakeWarehouse{newRows: 0}, runs, store, testConfig(annuity))
	require.NoError(t, err)

	s, err := NewScheduler(l, "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, runs.statuses()[StatusSkipped], 1)
}
