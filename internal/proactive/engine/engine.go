// Package engine turns suggestion events into deliveries and tracks the
// single reply the user is expected to give.
//
// Flow: suggestion.created → Policy → Dispatcher → mark processed → awaiting
// window → reply (feedback + outcome events) or timeout.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	"jarvis/internal/notifier"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/runtime/delay"
	rtsup "jarvis/internal/runtime/supervisor"
	"jarvis/internal/storage"
	logx "jarvis/pkg/logx"
)

// Chooser is the policy surface the engine consults.
type Chooser interface {
	ChooseChannel(present bool, now time.Time, text string) policy.Decision
}

// Store is the persistence surface the engine writes to.
type Store interface {
	MarkSuggestionProcessed(ctx context.Context, id int64) error
	InsertFeedback(ctx context.Context, f storage.Feedback) (int64, error)
}

// AwaitingQuerier lets collaborators ask whether a reply is expected.
type AwaitingQuerier interface {
	Awaiting() (Awaiting, bool)
}

type Config struct {
	ResponseTimeout time.Duration
	// UserTextKinds are the bus kinds whose "text" attribute is a user reply.
	UserTextKinds []string
	Classifier    Classifier
	AckAccepted   string
	AckDeclined   string
	// AckChannel carries acknowledgements; empty disables them.
	AckChannel   string
	StartAbsent  bool
	StoreTimeout time.Duration
	EventBuffer  int
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout: 5 * time.Minute,
		UserTextKinds:   []string{eventbus.KindTelegramMessage, eventbus.KindSpeechRecognized, eventbus.KindChatMessage},
		Classifier:      DefaultClassifier(),
		AckAccepted:     "Got it",
		AckDeclined:     "OK, later",
		AckChannel:      string(policy.ChannelText),
		StoreTimeout:    5 * time.Second,
		EventBuffer:     64,
	}
}

type Deps struct {
	Policy     Chooser
	Dispatcher notifier.Dispatcher
	Store      Store
	Bus        eventbus.Bus
	Scheduler  delay.Scheduler
	Metrics    *metrics.Registry
	Log        logx.Logger
	Now        func() time.Time
}

type Engine struct {
	cfg        Config
	policy     Chooser
	dispatcher notifier.Dispatcher
	store      Store
	bus        eventbus.Bus
	sched      delay.Scheduler
	metrics    *metrics.Registry
	log        logx.Logger
	now        func() time.Time
	userKinds  map[string]bool

	present atomic.Bool

	// seq numbers suggestions in arrival order.
	seq atomic.Uint64

	// mu guards the awaiting slot, its timer and the generation counter.
	mu    sync.Mutex
	slot  *Awaiting
	timer delay.Handle
	gen   uint64
	// opened is the seq of the newest suggestion that opened a window.
	opened uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, d Deps) (*Engine, error) {
	switch {
	case d.Policy == nil:
		return nil, errors.New("engine: policy is required")
	case d.Dispatcher == nil:
		return nil, errors.New("engine: dispatcher is required")
	case d.Store == nil:
		return nil, errors.New("engine: store is required")
	}
	def := DefaultConfig()
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if len(cfg.UserTextKinds) == 0 {
		cfg.UserTextKinds = def.UserTextKinds
	}
	if len(cfg.Classifier.Positive) == 0 && len(cfg.Classifier.Negative) == 0 {
		cfg.Classifier = def.Classifier
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if d.Scheduler == nil {
		d.Scheduler = delay.Runtime{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}

	e := &Engine{
		cfg:        cfg,
		policy:     d.Policy,
		dispatcher: d.Dispatcher,
		store:      d.Store,
		bus:        d.Bus,
		sched:      d.Scheduler,
		metrics:    d.Metrics,
		log:        d.Log.With(logx.Comp("engine")),
		now:        d.Now,
		userKinds:  map[string]bool{},
	}
	for _, k := range cfg.UserTextKinds {
		e.userKinds[k] = true
	}
	e.present.Store(!cfg.StartAbsent)
	e.metrics.Touch(
		metrics.SuggestionsSent, metrics.SuggestionsFailed,
		metrics.SuggestionsResponded, metrics.SuggestionsAccepted,
		metrics.SuggestionsDeclined, metrics.SuggestionsTimedOut,
	)
	return e, nil
}

// Start subscribes to the bus and handles events until Stop or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	if e.bus == nil {
		return errors.New("engine: bus is required to start")
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.sup != nil {
		return nil
	}
	events, unsub := e.bus.Subscribe(e.cfg.EventBuffer)
	e.unsub = unsub
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log), rtsup.WithCancelOnError(false))
	e.sup.GoRestart("engine.loop", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				e.HandleEvent(c, ev)
			}
		}
	}, 100*time.Millisecond, 5*time.Second)
	e.log.Info("engine started", logx.Duration("response_timeout", e.cfg.ResponseTimeout), logx.Strings("user_text_kinds", e.cfg.UserTextKinds))
	return nil
}

// Stop unsubscribes, waits for the loop and abandons a pending response window.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	sup, unsub := e.sup, e.unsub
	e.sup, e.unsub = nil, nil
	e.runMu.Unlock()

	if unsub != nil {
		unsub()
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	if a, ok := e.take(); ok {
		e.log.Info("stopped while awaiting a response", logx.Int64("suggestion_id", a.SuggestionID))
	}
	return err
}

// HandleEvent routes one bus event. Handler errors are logged.
func (e *Engine) HandleEvent(ctx context.Context, ev eventbus.Event) {
	switch {
	case ev.Kind == eventbus.KindSuggestionCreated:
		if err := e.OnSuggestion(ctx, SuggestionFromEvent(ev)); err != nil {
			e.log.Error("suggestion handling failed", logx.Err(err))
		}
	case ev.Kind == eventbus.KindPresenceUpdate:
		present, ok := ev.Bool("present")
		if !ok {
			e.log.Warn("presence update without a boolean present attribute")
			return
		}
		e.OnPresence(present)
	case e.userKinds[ev.Kind]:
		if _, err := e.OnUserText(ctx, ev.String("text")); err != nil {
			e.log.Error("response handling failed", logx.Err(err), logx.String("kind", ev.Kind))
		}
	}
}

// OnPresence caches the user's presence for suggestions that omit it.
func (e *Engine) OnPresence(present bool) {
	if e.present.Swap(present) != present {
		e.log.Debug("presence changed", logx.Bool("present", present))
	}
}

func (e *Engine) Present() bool { return e.present.Load() }

func (e *Engine) publish(kind string, attrs map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: kind, Time: e.now(), Attrs: attrs})
}

// storeCtx detaches store calls from the triggering event so a cancelled
// loop or a late delivery callback still records outcomes.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
}
