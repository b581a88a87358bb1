package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	"jarvis/internal/notifier"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/runtime/delay"
	"jarvis/internal/storage"
	logx "jarvis/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	processed map[int64]int
	feedback  []storage.Feedback
	markErr   error
	insertErr error
}

func newFakeStore() *fakeStore { return &fakeStore{processed: map[int64]int{}} }

func (s *fakeStore) MarkSuggestionProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.processed[id]++
	return nil
}

func (s *fakeStore) InsertFeedback(_ context.Context, f storage.Feedback) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.feedback = append(s.feedback, f)
	return int64(len(s.feedback)), nil
}

func (s *fakeStore) processedCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[id]
}

func (s *fakeStore) feedbackFor(id int64) []storage.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Feedback
	for _, f := range s.feedback {
		if f.SuggestionID == id {
			out = append(out, f)
		}
	}
	return out
}

type sink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *sink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.err
}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// manualScheduler records tasks; tests fire them explicitly.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	mu        sync.Mutex
	fn        func()
	cancelled bool
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) delay.Handle {
	t := &manualTask{fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

func (s *manualScheduler) task(i int) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[i]
}

func (t *manualTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.cancelled
	t.cancelled = true
	return was
}

func (t *manualTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// runAnyway invokes the callback even if cancelled, as a timer racing its
// cancellation would.
func (t *manualTask) runAnyway() { t.fn() }

type harness struct {
	eng     *Engine
	store   *fakeStore
	voice   *sink
	text    *sink
	bus     eventbus.Bus
	events  <-chan eventbus.Event
	metrics *metrics.Registry
	sched   *manualScheduler
}

type harnessOpt func(*Config, *Deps)

func newHarness(t *testing.T, pcfg policy.Config, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		voice:   &sink{},
		text:    &sink{},
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	ch, unsub := h.bus.Subscribe(64)
	t.Cleanup(unsub)
	h.events = ch

	reg := notifier.NewRegistry()
	reg.Register(string(policy.ChannelVoice), h.voice)
	reg.Register(string(policy.ChannelText), h.text)

	cfg := DefaultConfig()
	deps := Deps{
		Policy:     policy.New(pcfg),
		Dispatcher: notifier.Inline{Registry: reg},
		Store:      h.store,
		Bus:        h.bus,
		Metrics:    h.metrics,
		Log:        logx.Nop(),
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	if ms, ok := deps.Scheduler.(*manualScheduler); ok {
		h.sched = ms
	}
	eng, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

func withManualTimers() harnessOpt {
	return func(_ *Config, d *Deps) { d.Scheduler = &manualScheduler{} }
}

func withTimeout(d time.Duration) harnessOpt {
	return func(c *Config, _ *Deps) { c.ResponseTimeout = d }
}

// next returns the next event of kind, skipping others.
func (h *harness) next(t *testing.T, kind string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return eventbus.Event{}
		}
	}
}

func (h *harness) drain() map[string]int {
	kinds := map[string]int{}
	for {
		select {
		case ev := <-h.events:
			kinds[ev.Kind]++
		default:
			return kinds
		}
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAcceptedReplyRecordsFeedback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withTimeout(10*time.Second))
	ctx := context.Background()

	err := h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 1, Text: "выпей воды", TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("OnSuggestion: %v", err)
	}
	if got := h.voice.got(); len(got) != 1 || got[0] != "выпей воды" {
		t.Fatalf("voice got %v", got)
	}
	set := h.next(t, eventbus.KindContextSet)
	if set.String("state") != stateAwaitingResponse || set.String("trace_id") != "trace-1" {
		t.Fatalf("context.set = %+v", set.Attrs)
	}
	if a, ok := h.eng.Awaiting(); !ok || a.SuggestionID != 1 {
		t.Fatalf("awaiting = %+v, %v", a, ok)
	}

	time.Sleep(100 * time.Millisecond)
	handled, err := h.eng.OnUserText(ctx, "Да")
	if !handled || err != nil {
		t.Fatalf("OnUserText = %v, %v", handled, err)
	}

	fb := h.store.feedbackFor(1)
	if len(fb) != 1 || fb[0].ResponseText != "Да" || !fb[0].Accepted {
		t.Fatalf("feedback = %+v", fb)
	}
	resp := h.next(t, eventbus.KindSuggestionResponse)
	if accepted, _ := resp.Bool("accepted"); !accepted {
		t.Fatalf("response = %+v", resp.Attrs)
	}
	success := h.next(t, eventbus.KindDialogSuccess)
	if success.String("trace_id") != "trace-1" {
		t.Fatalf("dialog.success trace = %q", success.String("trace_id"))
	}
	if id, _ := success.Int64("suggestion_id"); id != 1 {
		t.Fatalf("dialog.success id = %d", id)
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("slot should be cleared")
	}
	if got := h.text.got(); len(got) != 1 || got[0] != "Got it" {
		t.Fatalf("ack = %v", got)
	}
	if h.store.processedCount(1) != 1 {
		t.Fatalf("processed %d times", h.store.processedCount(1))
	}
	snap := h.metrics.Snapshot()
	if snap[metrics.SuggestionsSent] != 1 || snap[metrics.SuggestionsResponded] != 1 || snap[metrics.SuggestionsAccepted] != 1 {
		t.Fatalf("metrics = %v", snap)
	}
}

func TestResponseTimeoutWritesNoFeedback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withTimeout(100*time.Millisecond))

	if err := h.eng.OnSuggestion(context.Background(), SuggestionEvent{ID: 2, Text: "stretch"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.eng.Awaiting(); !ok {
		t.Fatal("expected awaiting slot")
	}
	waitUntil(t, 2*time.Second, func() bool {
		_, ok := h.eng.Awaiting()
		return !ok
	})
	if fb := h.store.feedbackFor(2); len(fb) != 0 {
		t.Fatalf("feedback after timeout: %+v", fb)
	}
	if h.metrics.Value(metrics.SuggestionsTimedOut) != 1 {
		t.Fatal("timeout not counted")
	}
	if handled, _ := h.eng.OnUserText(context.Background(), "да"); handled {
		t.Fatal("late reply should be ignored")
	}
}

func TestNewWindowCancelsPreviousTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withManualTimers())
	ctx := context.Background()

	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 1, Text: "first", TraceID: "a"})
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 2, Text: "second", TraceID: "b"})

	first := h.sched.task(0)
	if !first.isCancelled() {
		t.Fatal("previous timer not cancelled")
	}
	// The stale timer firing afterwards must not touch the new slot.
	first.runAnyway()
	a, ok := h.eng.Awaiting()
	if !ok || a.SuggestionID != 2 {
		t.Fatalf("awaiting = %+v, %v", a, ok)
	}
	if h.metrics.Value(metrics.SuggestionsTimedOut) != 0 {
		t.Fatal("stale timer counted a timeout")
	}

	_, _ = h.eng.OnUserText(ctx, "нет")
	if len(h.store.feedbackFor(1)) != 0 || len(h.store.feedbackFor(2)) != 1 {
		t.Fatalf("feedback = %+v", h.store.feedback)
	}
	// The second timer, cancelled by the reply, also has no effect.
	h.sched.task(1).runAnyway()
	h.drain()
	if _, _ = h.eng.OnUserText(ctx, "да"); len(h.store.feedback) != 1 {
		t.Fatal("duplicate feedback")
	}
	if kinds := h.drain(); kinds[eventbus.KindDialogSuccess] != 0 || kinds[eventbus.KindDialogFailure] != 0 {
		t.Fatalf("duplicate outcome events: %v", kinds)
	}
}

func TestSuppressedSuggestionIsProcessed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{CancelKeywords: []string{"стоп"}})

	if err := h.eng.OnSuggestion(context.Background(), SuggestionEvent{ID: 5, Text: "Стоп это"}); err != nil {
		t.Fatal(err)
	}
	if len(h.voice.got())+len(h.text.got()) != 0 {
		t.Fatal("suppressed suggestion was sent")
	}
	if h.store.processedCount(5) != 1 {
		t.Fatal("suppressed suggestion not processed")
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("suppressed suggestion opened a window")
	}
}

func TestSuppressionPersistenceErrorReturned(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{CancelKeywords: []string{"stop"}})
	h.store.markErr = errors.New("disk full")

	if err := h.eng.OnSuggestion(context.Background(), SuggestionEvent{ID: 5, Text: "stop"}); err == nil {
		t.Fatal("expected mark processed error")
	}
}

func TestFailedSendIsProcessedWithoutWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{})
	h.voice.err = errors.New("speaker unplugged")

	if err := h.eng.OnSuggestion(context.Background(), SuggestionEvent{ID: 7, Text: "walk"}); err != nil {
		t.Fatal(err)
	}
	if h.store.processedCount(7) != 1 {
		t.Fatal("failed suggestion not processed")
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("failed send opened a window")
	}
	if h.metrics.Value(metrics.SuggestionsFailed) != 1 || h.metrics.Value(metrics.SuggestionsSent) != 0 {
		t.Fatalf("metrics = %v", h.metrics.Snapshot())
	}
}

func TestUnboundChannelCountsAsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{ForceChannel: policy.ChannelVoice}, func(_ *Config, d *Deps) {
		d.Dispatcher = notifier.Inline{Registry: notifier.NewRegistry()}
	})
	_ = h.eng.OnSuggestion(context.Background(), SuggestionEvent{ID: 8, Text: "x"})
	if h.store.processedCount(8) != 1 || h.metrics.Value(metrics.SuggestionsFailed) != 1 {
		t.Fatal("unbound channel should fail and consume the suggestion")
	}
}

func TestPresenceFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{})
	ctx := context.Background()

	h.eng.OnPresence(false)
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{Text: "absent"})
	present := true
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{Text: "explicit", Present: &present})

	if got := h.text.got(); len(got) != 1 || got[0] != "absent" {
		t.Fatalf("text got %v", got)
	}
	if got := h.voice.got(); len(got) != 1 || got[0] != "explicit" {
		t.Fatalf("voice got %v", got)
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("suggestions without id must not open a window")
	}
}

func TestFeedbackWriteFailureClearsSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withManualTimers())
	h.store.insertErr = errors.New("db locked")
	ctx := context.Background()

	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 3, Text: "tea?"})
	h.drain()
	handled, err := h.eng.OnUserText(ctx, "да")
	if !handled || err == nil {
		t.Fatalf("OnUserText = %v, %v", handled, err)
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("slot stuck after persistence failure")
	}
	if !h.sched.task(0).isCancelled() {
		t.Fatal("timer not cancelled")
	}
	if kinds := h.drain(); kinds[eventbus.KindSuggestionResponse] != 0 {
		t.Fatalf("events published despite failed write: %v", kinds)
	}
}

func TestDeclinedAndAmbiguousReplies(t *testing.T) {
	t.Parallel()
	for _, reply := range []string{"нет, потом", "hmm"} {
		t.Run(reply, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, policy.Config{}, withManualTimers())
			ctx := context.Background()
			_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 4, Text: "run?", TraceID: "t4"})
			if _, err := h.eng.OnUserText(ctx, reply); err != nil {
				t.Fatal(err)
			}
			if fb := h.store.feedbackFor(4); len(fb) != 1 || fb[0].Accepted {
				t.Fatalf("feedback = %+v", fb)
			}
			if ev := h.next(t, eventbus.KindDialogFailure); ev.String("trace_id") != "t4" {
				t.Fatalf("dialog.failure = %+v", ev.Attrs)
			}
			if got := h.text.got(); len(got) != 1 || got[0] != "OK, later" {
				t.Fatalf("ack = %v", got)
			}
			if h.metrics.Value(metrics.SuggestionsDeclined) != 1 {
				t.Fatal("declined not counted")
			}
		})
	}
}

func TestAckFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withManualTimers())
	h.text.err = errors.New("telegram down")
	ctx := context.Background()

	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 9, Text: "water"})
	handled, err := h.eng.OnUserText(ctx, "ok")
	if !handled || err != nil {
		t.Fatalf("OnUserText = %v, %v", handled, err)
	}
	if len(h.store.feedbackFor(9)) != 1 {
		t.Fatal("feedback missing")
	}
}

func TestEventLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withManualTimers())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.eng.Stop(context.Background()) }()

	h.bus.Publish(eventbus.Event{Kind: eventbus.KindPresenceUpdate, Attrs: eventbus.Attrs("present", false)})
	waitUntil(t, time.Second, func() bool { return !h.eng.Present() })

	h.bus.Publish(eventbus.Event{Kind: eventbus.KindSuggestionCreated, Attrs: eventbus.Attrs(
		"text", "drink", "suggestion_id", int64(11), "trace_id", "loop", "reason_code", "health",
	)})
	h.next(t, eventbus.KindContextSet)
	if got := h.text.got(); len(got) != 1 || got[0] != "drink" {
		t.Fatalf("text got %v", got)
	}

	h.bus.Publish(eventbus.Event{Kind: eventbus.KindSpeechRecognized, Attrs: eventbus.Attrs("text", "хорошо")})
	if ev := h.next(t, eventbus.KindDialogSuccess); ev.String("trace_id") != "loop" {
		t.Fatalf("dialog.success = %+v", ev.Attrs)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	c := Classifier{
		Positive: []string{"да", "ок", "хорошо", "ладно"},
		Negative: []string{"нет", "не", "потом", "позже"},
	}
	cases := []struct {
		in   string
		want Verdict
	}{
		{"да", VerdictPositive},
		{"ДА, конечно", VerdictPositive},
		{"ок", VerdictPositive},
		{"ладно, давай", VerdictPositive},
		{"нет", VerdictNegative},
		{"позже", VerdictNegative},
		{"не сейчас", VerdictNegative},
		{"хорошо, но потом", VerdictPositive},
		{"что?", VerdictUnknown},
		{"", VerdictUnknown},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if c.Classify(tc.in).Accepted() != (tc.want == VerdictPositive) {
			t.Errorf("Accepted(%q) mismatch", tc.in)
		}
	}
}

func TestDefaultClassifierKeywords(t *testing.T) {
	t.Parallel()
	c := DefaultClassifier()
	wantPos := []string{"да", "ок", "хорошо", "ладно"}
	wantNeg := []string{"нет", "не", "потом", "позже"}
	if strings.Join(c.Positive, ",") != strings.Join(wantPos, ",") {
		t.Fatalf("positive = %v", c.Positive)
	}
	if strings.Join(c.Negative, ",") != strings.Join(wantNeg, ",") {
		t.Fatalf("negative = %v", c.Negative)
	}
	// English declines must not be mistaken for acceptance.
	for _, in := range []string{"look, later", "no, I'm booked", "not okay", "потом, смотрю book"} {
		if c.Classify(in).Accepted() {
			t.Errorf("Classify(%q) accepted", in)
		}
	}
	if got := c.Classify("потом, смотрю book"); got != VerdictNegative {
		t.Errorf("Classify(mixed) = %v, want negative", got)
	}
}

func TestLateDeliveryKeepsNewerWindow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := notifier.NewRegistry()
	reg.Register(string(policy.ChannelVoice), notifier.Func(func(ctx context.Context, text string) error {
		if text == "first" {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}))
	q := notifier.NewQueue(notifier.Config{Workers: 2}, reg, logx.Nop(), nil)
	q.Start(ctx)
	defer q.Stop(context.Background())

	h := newHarness(t, policy.Config{}, withManualTimers(), func(_ *Config, d *Deps) { d.Dispatcher = q })
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 1, Text: "first"})
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 2, Text: "second"})

	waitUntil(t, 2*time.Second, func() bool {
		return h.store.processedCount(1) == 1 && h.store.processedCount(2) == 1
	})
	// The first delivery opens its window, if at all, right after marking.
	time.Sleep(50 * time.Millisecond)
	if a, ok := h.eng.Awaiting(); !ok || a.SuggestionID != 2 {
		t.Fatalf("awaiting = %+v, %v", a, ok)
	}
	if _, err := h.eng.OnUserText(ctx, "да"); err != nil {
		t.Fatal(err)
	}
	if len(h.store.feedbackFor(1)) != 0 || len(h.store.feedbackFor(2)) != 1 {
		t.Fatalf("feedback = %+v", h.store.feedback)
	}
}

func TestStopAbandonsAwaitingWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, policy.Config{}, withManualTimers())
	ctx := context.Background()
	if err := h.eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = h.eng.OnSuggestion(ctx, SuggestionEvent{ID: 12, Text: "nap"})
	if _, ok := h.eng.Awaiting(); !ok {
		t.Fatal("expected awaiting slot")
	}
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.eng.Awaiting(); ok {
		t.Fatal("slot survived Stop")
	}
	if !h.sched.task(0).isCancelled() {
		t.Fatal("timer not cancelled")
	}
	if err := h.eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.eng.Stop(ctx) }()
	if handled, _ := h.eng.OnUserText(ctx, "да"); handled {
		t.Fatal("reply after restart matched an abandoned suggestion")
	}
}
