package notifier

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrQueueFull      = errors.New("notifier queue full")
	ErrStopped        = errors.New("notifier stopped")
	ErrUnknownChannel = errors.New("no notifier bound to channel")
)

// Notifier emits text on a single channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, text string) error

func (f Func) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Registry binds channel names to notifiers. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Notifier
}

func NewRegistry() *Registry { return &Registry{m: map[string]Notifier{}} }

// Register binds n to channel, replacing any previous binding. A nil n unbinds.
func (r *Registry) Register(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == nil {
		delete(r.m, channel)
		return
	}
	r.m[channel] = n
}

func (r *Registry) Get(channel string) (Notifier, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.m[channel]
	return n, ok
}

func (r *Registry) Channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for ch := range r.m {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Send delivers text synchronously on channel.
func (r *Registry) Send(ctx context.Context, channel, text string) error {
	n, ok := r.Get(channel)
	if !ok {
		return ErrUnknownChannel
	}
	return n.Send(ctx, text)
}
