// Package chunk runs an operation over a list in sequential, fully settled
// chunks with a pause between them.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"sitecache/internal/model"
)

const (
	DefaultChunkSize = 5
	DefaultPause     = 2 * time.Second
)

var ErrChunkSize = errors.New("chunk size must be positive")

// Sleeper waits between chunks. Tests swap in a recorder.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SleepFunc adapts a function to Sleeper.
type SleepFunc func(ctx context.Context, d time.Duration) error

func (f SleepFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type Options struct {
	ChunkSize   int
	Pause       time.Duration
	ItemTimeout time.Duration
	Sleeper     Sleeper
	// ID names an item in error outcomes. Defaults to its index.
	ID func(index int) string
	// OnItem is called once per settled item, possibly from several goroutines.
	OnItem func(index int, out Outcome[any])
	// OnChunk is called after each chunk settles with its index and size.
	OnChunk func(chunk, size int)
}

// Outcome is one item's settled result. Value is meaningful only when
// Status is success.
type Outcome[R any] struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Value   R      `json:"value"`
}

func (o Outcome[R]) Failed() bool { return o.Status == model.StatusError }

// Process applies fn to every item and returns outcomes in input order. Item
// failures, timeouts and panics become error outcomes and never stop sibling
// work. Only a bad chunk size or a cancelled ctx returns an error.
func Process[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), opts Options) ([]Outcome[R], error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrChunkSize, opts.ChunkSize)
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	idOf := opts.ID
	if idOf == nil {
		idOf = func(i int) string { return fmt.Sprintf("%d", i) }
	}

	out := make([]Outcome[R], len(items))
	chunkIndex := 0
	for start := 0; start < len(items); start += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("chunk %d: %w", chunkIndex, err)
		}
		end := min(start+opts.ChunkSize, len(items))

		// Plain Group: one failing item must not cancel its siblings.
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = runItem(ctx, idOf(i), items[i], fn, opts.ItemTimeout)
				if opts.OnItem != nil {
					o := out[i]
					opts.OnItem(i, Outcome[any]{ID: o.ID, Status: o.Status, Message: o.Message, Value: o.Value})
				}
				return nil
			})
		}
		_ = g.Wait()
		if opts.OnChunk != nil {
			opts.OnChunk(chunkIndex, end-start)
		}
		chunkIndex++

		if end < len(items) {
			if err := sleeper.Sleep(ctx, opts.Pause); err != nil {
				return out, fmt.Errorf("pause after chunk %d: %w", chunkIndex-1, err)
			}
		}
	}
	return out, nil
}

func runItem[T, R any](ctx context.Context, id string, item T, fn func(context.Context, T) (R, error), timeout time.Duration) (o Outcome[R]) {
	o.ID = id
	defer func() {
		if r := recover(); r != nil {
			var zero R
			o = Outcome[R]{ID: id, Status: model.StatusError, Message: fmt.Sprintf("panic: %v", r), Value: zero}
		}
	}()

	itemCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(itemCtx, item)
	if err != nil && timeout > 0 && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	if err != nil {
		o.Status = model.StatusError
		o.Message = err.Error()
		return o
	}
	o.Status = model.StatusSuccess
	o.Value = v
	return o
}

// Sizes returns the chunk sizes Process would use for n items.
func Sizes(n, chunkSize int) []int {
	if n <= 0 || chunkSize <= 0 {
		return nil
	}
	out := make([]int, 0, (n+chunkSize-1)/chunkSize)
	for n > 0 {
		s := min(chunkSize, n)
		out = append(out, s)
		n -= s
	}
	return out
}
