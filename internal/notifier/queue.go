package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jarvis/internal/eventbus"
	rtsup "jarvis/internal/runtime/supervisor"
	logx "jarvis/pkg/logx"
)

// Bus event kinds emitted by Queue.
const (
	KindQueued  = "notifier.queued"
	KindSent    = "notifier.sent"
	KindFailed  = "notifier.failed"
	KindDropped = "notifier.dropped"
)

// Config controls the async dispatch pipeline.
type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

type job struct {
	channel string
	text    string
	done    func(error)
}

// Queue implements an async dispatch pipeline:
// queue + worker pool + rate limit + send timeout.
//
// It is safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	log      logx.Logger
	registry *Registry
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func NewQueue(cfg Config, registry *Registry, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		registry: registry,
		log:      log.With(logx.Comp("notifier")),
		bus:      bus,
	}
	q.applyLocked(cfg)
	return q
}

func (q *Queue) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	q.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
	}
	if q.queue != nil {
		q.mu.Unlock()
		return
	}

	q.queue = make(chan job, q.cfg.QueueSize)
	q.accepting = true
	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		// a broken worker should not take down the whole app; delivery is best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	ch := q.queue
	workers := q.cfg.Workers
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			q.workerLoop(c, ch)
			q.mu.Lock()
			stopping := q.stopDone != nil
			q.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, 100*time.Millisecond, 5*time.Second)
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
// Jobs still queued when workers exit complete with ErrStopped.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	ch := q.queue
	sup := q.sup
	if ch == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	q.stopDone = done
	q.accepting = false
	q.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		q.sendWG.Wait()
		close(ch)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		for j := range ch {
			complete(j, ErrStopped)
		}

		q.mu.Lock()
		q.queue = nil
		q.stopDone = nil
		q.sup = nil
		q.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers; the drain above still completes leftover jobs.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch enqueues text for channel. See Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, channel, text string, done func(error)) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if _, ok := q.registry.Get(channel); !ok {
		return ErrUnknownChannel
	}

	q.mu.Lock()
	if !q.accepting || q.queue == nil {
		q.mu.Unlock()
		return ErrStopped
	}
	ch := q.queue
	q.sendWG.Add(1)
	q.mu.Unlock()
	defer q.sendWG.Done()

	select {
	case ch <- job{channel: channel, text: text, done: done}:
		q.publish(KindQueued, channel, nil)
		return nil
	default:
		q.publish(KindDropped, channel, ErrQueueFull)
		q.log.Warn("dispatch queue full; dropping", logx.String("channel", channel), logx.Int("queue_cap", cap(ch)))
		return ErrQueueFull
	}
}

func (q *Queue) History() []HistoryItem {
	q.hmu.Lock()
	out := append([]HistoryItem(nil), q.history...)
	q.hmu.Unlock()
	return out
}

func (q *Queue) appendHistory(channel, text string) {
	q.hmu.Lock()
	q.history = append(q.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(q.history) > 100 {
		q.history = q.history[len(q.history)-100:]
	}
	q.hmu.Unlock()
}

func (q *Queue) workerLoop(ctx context.Context, ch <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			q.send(ctx, j)
		}
	}
}

func (q *Queue) send(runCtx context.Context, j job) {
	q.mu.Lock()
	lim := q.limiter
	timeout := q.cfg.SendTimeout
	q.mu.Unlock()

	if err := lim.Wait(runCtx); err != nil {
		complete(j, err)
		return
	}

	n, ok := q.registry.Get(j.channel)
	if !ok {
		complete(j, ErrUnknownChannel)
		return
	}
	callCtx, cancel := context.WithTimeout(runCtx, timeout)
	err := safeSend(callCtx, n, j.text)
	cancel()

	if err != nil {
		q.log.Warn("send failed", logx.String("channel", j.channel), logx.Err(err))
		q.publish(KindFailed, j.channel, err)
	} else {
		q.appendHistory(j.channel, j.text)
		q.publish(KindSent, j.channel, nil)
	}
	complete(j, err)
}

func (q *Queue) publish(kind, channel string, err error) {
	if q.bus == nil {
		return
	}
	attrs := map[string]any{"channel": channel}
	if err != nil {
		attrs["error"] = err.Error()
	}
	q.bus.Publish(eventbus.Event{Kind: kind, Time: time.Now(), Attrs: attrs})
}

// safeSend keeps a panicking notifier from swallowing the job's completion.
func safeSend(ctx context.Context, n Notifier, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Send(ctx, text)
}

func complete(j job, err error) {
	if j.done != nil {
		j.done(err)
	}
}
