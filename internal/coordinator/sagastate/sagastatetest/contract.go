// Package sagastatetest holds the behaviour every sagastate.Repository
// adapter must share. Adapters call Run from their own tests.
package sagastatetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

// Factory returns an empty repository. Cleanup is the factory's business.
type Factory func(t *testing.T) sagastate.Repository

func Run(t *testing.T, newRepo Factory) {
	t.Run("LoadOrCreate inserts Initial at version 0", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := uuid.New()

		inst, existed, err := repo.LoadOrCreate(ctx, id)
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, id, inst.CorrelationID)
		assert.Equal(t, sagastate.StateInitial, inst.State)
		assert.Equal(t, 0, inst.Version)
		assert.Nil(t, inst.Data)
		assert.Nil(t, inst.Error)

		again, existed, err := repo.LoadOrCreate(ctx, id)
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, inst, again)
	})

	t.Run("concurrent LoadOrCreate has a single creator", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := uuid.New()

		const callers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			creators int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, existed, err := repo.LoadOrCreate(ctx, id)
				assert.NoError(t, err)
				if !existed {
					mu.Lock()
					creators++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, creators)
	})

	t.Run("Save bumps version and keeps empty data distinct from absent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := uuid.New()

		inst, _, err := repo.LoadOrCreate(ctx, id)
		require.NoError(t, err)

		inst.State = sagastate.StateFailed
		inst.Data = sagastate.StringPtr("")
		inst.Error = sagastate.StringPtr("invalid data")
		require.NoError(t, repo.Save(ctx, inst, 0))
		assert.Equal(t, 1, inst.Version)

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sagastate.StateFailed, got.State)
		require.NotNil(t, got.Data)
		assert.Equal(t, "", *got.Data)
		assert.Equal(t, "invalid data", got.ErrorString())
		assert.Equal(t, 1, got.Version)
	})

	t.Run("stale Save is rejected and writes nothing", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := uuid.New()

		inst, _, err := repo.LoadOrCreate(ctx, id)
		require.NoError(t, err)
		inst.State = sagastate.StateProcessing
		inst.Data = sagastate.StringPtr("ok")
		require.NoError(t, repo.Save(ctx, inst, 0))

		stale := inst.Clone()
		stale.State = sagastate.StateFailed
		stale.Error = sagastate.StringPtr("late writer")
		err = repo.Save(ctx, stale, 0)
		assert.ErrorIs(t, err, sagastate.ErrConflict)

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sagastate.StateProcessing, got.State)
		assert.Nil(t, got.Error)
		assert.Equal(t, 1, got.Version)
	})

	t.Run("Save of a missing instance is not found", func(t *testing.T) {
		repo := newRepo(t)
		inst := sagastate.NewInstance(uuid.New())
		err := repo.Save(context.Background(), inst, 0)
		assert.ErrorIs(t, err, sagastate.ErrNotFound)
	})

	t.Run("Delete removes the row once", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := uuid.New()

		_, _, err := repo.LoadOrCreate(ctx, id)
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, id))

		_, err = repo.Get(ctx, id)
		assert.ErrorIs(t, err, sagastate.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, id), sagastate.ErrNotFound)
	})
}
