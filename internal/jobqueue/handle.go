package jobqueue

import (
	"context"
	"sync"
)

// Handle resolves when its job reaches a terminal state.
type Handle struct {
	JobID string

	once sync.Once
	done chan struct{}
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{JobID: id, done: make(chan struct{})}
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job completed, failed or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the terminal error; nil after success. Only valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
