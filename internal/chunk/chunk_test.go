package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/model"
)

type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.pauses = append(s.pauses, d)
	s.mu.Unlock()
	return nil
}

func TestProcess_ChunksSequentiallyWithPausesBetween(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	sleeper := &recordingSleeper{}

	var mu sync.Mutex
	var chunks []int
	var inFlight, peak atomic.Int32
	out, err := Process(context.Background(), items, func(_ context.Context, v int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return v * 10, nil
	}, Options{
		ChunkSize: 3,
		Pause:     2 * time.Second,
		Sleeper:   sleeper,
		OnChunk: func(_ int, size int) {
			mu.Lock()
			chunks = append(chunks, size)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 1}, chunks)
	assert.Equal(t, []int{3, 3, 1}, Sizes(len(items), 3))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.pauses)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	require.Len(t, out, 7)
	for i, o := range out {
		assert.Equal(t, model.StatusSuccess, o.Status)
		assert.Equal(t, items[i]*10, o.Value)
	}
}

func TestProcess_FailureIsolationPreservesOrder(t *testing.T) {
	ids := []string{"a", "b", "c"}
	out, err := Process(context.Background(), ids, func(_ context.Context, id string) (string, error) {
		if id == "b" {
			return "", errors.New("connection refused")
		}
		// finish in reverse order
		if id == "a" {
			time.Sleep(10 * time.Millisecond)
		}
		return "ok-" + id, nil
	}, Options{ChunkSize: 3, Sleeper: &recordingSleeper{}, ID: func(i int) string { return ids[i] }})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, Outcome[string]{ID: "a", Status: model.StatusSuccess, Value: "ok-a"}, out[0])
	assert.Equal(t, Outcome[string]{ID: "b", Status: model.StatusError, Message: "connection refused"}, out[1])
	assert.Equal(t, Outcome[string]{ID: "c", Status: model.StatusSuccess, Value: "ok-c"}, out[2])
	assert.True(t, out[1].Failed())
}

func TestProcess_PanicBecomesErrorOutcome(t *testing.T) {
	out, err := Process(context.Background(), []int{1, 2}, func(_ context.Context, v int) (int, error) {
		if v == 2 {
			panic("boom")
		}
		return v, nil
	}, Options{ChunkSize: 1, Sleeper: &recordingSleeper{}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, out[0].Status)
	assert.Equal(t, model.StatusError, out[1].Status)
	assert.Contains(t, out[1].Message, "boom")
}

func TestProcess_ItemTimeoutDoesNotCancelSiblings(t *testing.T) {
	out, err := Process(context.Background(), []string{"slow", "fast"}, func(ctx context.Context, s string) (string, error) {
		if s == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("sibling cancelled: %w", ctx.Err())
		}
		return s, nil
	}, Options{ChunkSize: 2, ItemTimeout: 5 * time.Millisecond, Sleeper: &recordingSleeper{}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, out[0].Status)
	assert.Contains(t, out[0].Message, "timed out")
	assert.Equal(t, Outcome[string]{ID: "1", Status: model.StatusSuccess, Value: "fast"}, out[1])
}

func TestProcess_InvalidChunkSizeAborts(t *testing.T) {
	called := false
	_, err := Process(context.Background(), []int{1}, func(context.Context, int) (int, error) {
		called = true
		return 0, nil
	}, Options{ChunkSize: 0})
	require.ErrorIs(t, err, ErrChunkSize)
	assert.False(t, called)
}

func TestProcess_CancelledContextStopsBeforeNextChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	_, err := Process(ctx, []int{1, 2, 3, 4}, func(context.Context, int) (int, error) {
		calls.Add(1)
		return 0, nil
	}, Options{ChunkSize: 2, Sleeper: SleepFunc(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcess_EmptyInput(t *testing.T) {
	sleeper := &recordingSleeper{}
	out, err := Process(context.Background(), []int(nil), func(context.Context, int) (int, error) {
		return 0, nil
	}, Options{ChunkSize: 3, Sleeper: sleeper})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, sleeper.pauses)
}
