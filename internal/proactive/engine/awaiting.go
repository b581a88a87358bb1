package engine

import (
	"context"
	"time"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	logx "jarvis/pkg/logx"
)

const stateAwaitingResponse = "awaiting_suggestion_response"

// Awaiting is the suggestion whose reply the engine currently expects.
type Awaiting struct {
	SuggestionID int64     `json:"suggestion_id"`
	Text         string    `json:"text"`
	TraceID      string    `json:"trace_id,omitempty"`
	Since        time.Time `json:"since"`
}

// Awaiting returns the live slot, if any.
func (e *Engine) Awaiting() (Awaiting, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == nil {
		return Awaiting{}, false
	}
	return *e.slot, true
}

// openAwaiting replaces the slot. The previous timer is cancelled and the
// generation bump makes it a no-op even if it already fired. A delivery that
// completes after a newer suggestion already opened its window is dropped.
func (e *Engine) openAwaiting(s SuggestionEvent, seq uint64) {
	a := &Awaiting{SuggestionID: s.ID, Text: s.Text, TraceID: s.TraceID, Since: e.now()}

	e.mu.Lock()
	if seq < e.opened {
		e.mu.Unlock()
		e.log.Info("late delivery; newer suggestion already awaiting a response",
			logx.Int64("suggestion_id", s.ID), logx.String("trace_id", s.TraceID))
		return
	}
	e.opened = seq
	if e.timer != nil {
		e.timer.Cancel()
	}
	if e.slot != nil {
		e.log.Debug("abandoning previous awaiting suggestion", logx.Int64("suggestion_id", e.slot.SuggestionID))
	}
	e.gen++
	gen := e.gen
	e.slot = a
	e.timer = e.sched.AfterFunc(e.cfg.ResponseTimeout, func() { e.expire(gen) })
	e.mu.Unlock()

	e.publish(eventbus.KindContextSet, eventbus.Attrs(
		"state", stateAwaitingResponse,
		"suggestion_id", s.ID,
		"trace_id", s.TraceID,
	))
}

// take cancels the timer and clears the slot, returning what it held.
func (e *Engine) take() (Awaiting, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == nil {
		return Awaiting{}, false
	}
	a := *e.slot
	e.slot = nil
	if e.timer != nil {
		e.timer.Cancel()
		e.timer = nil
	}
	e.gen++
	return a, true
}

// expire clears the slot if it still belongs to timer generation gen.
// No feedback is written for a timed-out suggestion.
func (e *Engine) expire(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.slot == nil {
		e.mu.Unlock()
		return
	}
	a := *e.slot
	e.slot = nil
	e.timer = nil
	e.mu.Unlock()

	e.metrics.Inc(context.Background(), metrics.SuggestionsTimedOut)
	e.log.Info("response timeout",
		logx.Int64("suggestion_id", a.SuggestionID),
		logx.String("trace_id", a.TraceID),
		logx.Duration("waited", e.now().Sub(a.Since)),
	)
}
