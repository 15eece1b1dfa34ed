package license

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Result is the outcome delivered by a Task.
type Result struct {
	Response *KeyResponse
	Err      error
}

// Task is a key request running in its own goroutine.
//
// Result delivers exactly one value and then closes, unless the task was
// cancelled first, in which case it closes without a value.
type Task struct {
	id     string
	uri    string
	cancel context.CancelFunc
	state  atomic.Int32

	mu       sync.Mutex
	canceled bool

	result chan Result
	done   chan struct{}
}

// Submit starts a key request and returns immediately.
func (c *Client) Submit(ctx context.Context, requestURI string) *Task {
	return c.SubmitWithID(ctx, uuid.NewString(), requestURI)
}

// SubmitWithID is Submit with a caller-chosen request ID.
func (c *Client) SubmitWithID(ctx context.Context, id, requestURI string) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     id,
		uri:    requestURI,
		cancel: cancel,
		result: make(chan Result, 1),
		done:   make(chan struct{}),
	}
	t.state.Store(int32(StateParsing))

	go func() {
		defer close(t.done)
		defer cancel()

		resp, err := c.handle(taskCtx, id, requestURI, t.setState)
		t.deliver(Result{Response: resp, Err: err})
	}()

	return t
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
}

func (t *Task) deliver(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canceled {
		t.result <- r
	}
	close(t.result)
}

// ID returns the request ID.
func (t *Task) ID() string { return t.id }

// URI returns the key request URI the task was submitted with.
func (t *Task) URI() string { return t.uri }

// State returns the last state the request reached.
func (t *Task) State() State { return State(t.state.Load()) }

// Result returns the delivery channel.
func (t *Task) Result() <-chan Result { return t.result }

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the task's in-flight work. If no result has been delivered
// yet, none will be. Other tasks are unaffected.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
	t.cancel()
}

// Canceled reports whether Cancel was called.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Wait blocks for the result. A cancelled task returns ErrTaskCanceled.
func (t *Task) Wait(ctx context.Context) (*KeyResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-t.result:
		if !ok {
			return nil, ErrTaskCanceled
		}
		return r.Response, r.Err
	}
}
