package interrupt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SetResetCheckpoint(t *testing.T) {
	m := New()
	require.NoError(t, m.Checkpoint(StageEntry))
	assert.False(t, m.IsSet())

	m.Set("test")
	assert.True(t, m.IsSet())

	err := m.Checkpoint(StageExit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, Is(err))
	assert.Contains(t, err.Error(), StageExit)

	info := m.Info()
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, "test", info.Reason)
	assert.False(t, info.LastAt.IsZero())

	m.Reset()
	assert.False(t, m.IsSet())
	require.NoError(t, m.Checkpoint(StageEntry))
	assert.Equal(t, 1, m.Info().Count)
}

func TestManager_DoneAndContext(t *testing.T) {
	m := New()
	ctx, cancel := m.Context(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before interruption")
	default:
	}

	m.Set("stop")
	m.Set("stop again")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after interruption")
	}
	<-m.Done()
	assert.Equal(t, 2, m.Info().Count)

	m.Reset()
	select {
	case <-m.Done():
		t.Fatal("done channel still closed after reset")
	default:
	}
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Set("x")
		}()
		go func() {
			defer wg.Done()
			_ = m.Checkpoint(EveryNItems)
			_ = m.Info()
		}()
	}
	wg.Wait()
	assert.True(t, m.IsSet())
	assert.Equal(t, 20, m.Info().Count)
}
