package notifier

import (
	"context"
	"time"
)

// Dispatcher hands text to a channel's notifier.
//
// A non-nil return means the message was not accepted and done will not be
// called. Otherwise done is called exactly once with the send result, possibly
// from another goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel, text string, done func(error)) error
}

// Inline sends on the caller's goroutine.
type Inline struct {
	Registry *Registry
	Timeout  time.Duration // 0 means no extra deadline
}

func (d Inline) Dispatch(ctx context.Context, channel, text string, done func(error)) error {
	n, ok := d.Registry.Get(channel)
	if !ok {
		return ErrUnknownChannel
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	err := n.Send(ctx, text)
	if done != nil {
		done(err)
	}
	return nil
}
