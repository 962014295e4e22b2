// Package session tracks the one in-flight generation allowed per
// conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is the root of every cancellation cause set by the registry.
var ErrCancelled = errors.New("generation cancelled")

var (
	ErrUserCancelled = fmt.Errorf("%w: stopped by user", ErrCancelled)
	ErrPromptEdited  = fmt.Errorf("%w: prompt edited", ErrCancelled)
	ErrSuperseded    = fmt.Errorf("%w: superseded by a newer generation", ErrCancelled)
)

// Cancelled reports whether ctx was cancelled through the registry.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelled)
}

// Handle is the cancellation handle of one generation.
type Handle struct {
	conversationID string
	cancel         context.CancelCauseFunc
	done           chan struct{}
	once           sync.Once
}

func NewHandle(conversationID string, cancel context.CancelCauseFunc) *Handle {
	return &Handle{
		conversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

func (h *Handle) ConversationID() string { return h.conversationID }

// Cancel aborts the generation with cause.
func (h *Handle) Cancel(cause error) {
	if h.cancel != nil {
		h.cancel(cause)
	}
}

// Finish marks the generation as fully settled. Safe to call more than once.
func (h *Handle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed once the generation has written its terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the generation finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry maps a conversation id to the handle of its live generation.
// Registration is last-writer-wins.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Handle
	// generations still resolving their turn, and stops held for them
	pending map[string]int
	held    map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[string]*Handle),
		pending: make(map[string]int),
		held:    make(map[string]bool),
	}
}

// Reserve announces a generation that will Open conversationID once its turn
// is resolved. A Stop arriving before then is held and applied by Open. The
// returned release must be called when the generation is over.
func (r *Registry) Reserve(conversationID string) (release func()) {
	r.mu.Lock()
	r.pending[conversationID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.pending[conversationID]--; r.pending[conversationID] <= 0 {
				delete(r.pending, conversationID)
				delete(r.held, conversationID)
			}
		})
	}
}

// Set installs h for conversationID, cancelling and returning any previous
// handle.
func (r *Registry) Set(conversationID string, h *Handle) *Handle {
	return r.replace(conversationID, h, ErrSuperseded)
}

func (r *Registry) replace(conversationID string, h *Handle, cause error) *Handle {
	r.mu.Lock()
	prev := r.active[conversationID]
	r.active[conversationID] = h
	r.mu.Unlock()

	if prev != nil && prev != h {
		prev.Cancel(cause)
		return prev
	}
	return nil
}

// Open derives a cancellable context for a new generation and registers it.
// A previous generation is cancelled with cause (ErrSuperseded when nil) and
// returned so the caller can wait for it to settle.
func (r *Registry) Open(ctx context.Context, conversationID string, cause error) (context.Context, *Handle, *Handle) {
	if cause == nil {
		cause = ErrSuperseded
	}
	genCtx, cancel := context.WithCancelCause(ctx)
	h := NewHandle(conversationID, cancel)

	r.mu.Lock()
	prev := r.active[conversationID]
	r.active[conversationID] = h
	stopped := r.held[conversationID]
	delete(r.held, conversationID)
	r.mu.Unlock()

	if stopped {
		cancel(ErrUserCancelled)
	}
	if prev != nil && prev != h {
		prev.Cancel(cause)
		return genCtx, h, prev
	}
	return genCtx, h, nil
}

// Stop cancels the active generation on behalf of the user. With no active
// generation but one still resolving, the stop is held for it.
func (r *Registry) Stop(conversationID string) bool {
	r.mu.Lock()
	h := r.active[conversationID]
	delete(r.active, conversationID)
	held := h == nil && r.pending[conversationID] > 0
	if held {
		r.held[conversationID] = true
	}
	r.mu.Unlock()

	if h != nil {
		h.Cancel(ErrUserCancelled)
		return true
	}
	return held
}

// Cancel removes and cancels the active generation with cause. It returns
// the cancelled handle so callers can wait for it to settle.
func (r *Registry) Cancel(conversationID string, cause error) *Handle {
	r.mu.Lock()
	h := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()

	if h != nil {
		h.Cancel(cause)
	}
	return h
}

// Clear removes h without cancelling it. A handle that has already been
// replaced leaves its successor untouched.
func (r *Registry) Clear(conversationID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[conversationID]; ok && cur == h {
		delete(r.active, conversationID)
		return true
	}
	return false
}

// Active returns the live handle for conversationID, or nil.
func (r *Registry) Active(conversationID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
