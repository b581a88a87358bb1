package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	"jarvis/internal/proactive/policy"
	logx "jarvis/pkg/logx"
)

// SuggestionEvent is the payload of suggestion.created. ID is zero when the
// suggestion was never persisted; Present is nil when the producer does not
// know.
type SuggestionEvent struct {
	ID         int64
	Text       string
	ReasonCode string
	TraceID    string
	Present    *bool
}

func SuggestionFromEvent(ev eventbus.Event) SuggestionEvent {
	s := SuggestionEvent{
		Text:       ev.String("text"),
		ReasonCode: ev.String("reason_code"),
		TraceID:    ev.String("trace_id"),
	}
	s.ID, _ = ev.Int64("suggestion_id")
	if p, ok := ev.Bool("present"); ok {
		s.Present = &p
	}
	return s
}

// OnSuggestion decides and dispatches one suggestion. Every suggestion is
// marked processed exactly once whether it was suppressed, delivered or
// failed. The returned error covers only work done before dispatch; delivery
// outcomes are logged.
func (e *Engine) OnSuggestion(ctx context.Context, s SuggestionEvent) error {
	present := e.Present()
	if s.Present != nil {
		present = *s.Present
	}
	log := e.log.With(logx.Int64("suggestion_id", s.ID), logx.String("trace_id", s.TraceID))

	d := e.policy.ChooseChannel(present, e.now(), s.Text)
	log.Info("policy result", logx.String("decision", d.String()), logx.Bool("present", present))
	if d.Suppressed() {
		return e.markProcessed(ctx, s.ID)
	}

	seq := e.seq.Add(1)
	err := e.dispatcher.Dispatch(ctx, string(d.Channel), s.Text, func(err error) {
		e.delivered(ctx, s, seq, d.Channel, err)
	})
	if err != nil {
		e.delivered(ctx, s, seq, d.Channel, err)
	}
	return nil
}

// delivered runs once per dispatched suggestion, possibly on a worker goroutine
// and out of dispatch order.
func (e *Engine) delivered(ctx context.Context, s SuggestionEvent, seq uint64, ch policy.Channel, err error) {
	log := e.log.With(logx.Int64("suggestion_id", s.ID), logx.String("channel", string(ch)), logx.String("trace_id", s.TraceID))
	chAttr := attribute.String("channel", string(ch))
	if err != nil {
		e.metrics.Inc(ctx, metrics.SuggestionsFailed, chAttr)
		log.Warn("send failed", logx.Err(err))
		if merr := e.markProcessed(ctx, s.ID); merr != nil {
			log.Error("mark processed failed", logx.Err(merr))
		}
		return
	}

	e.metrics.Inc(ctx, metrics.SuggestionsSent, chAttr)
	log.Info("sent")
	if merr := e.markProcessed(ctx, s.ID); merr != nil {
		log.Error("mark processed failed", logx.Err(merr))
	}
	if s.ID != 0 {
		e.openAwaiting(s, seq)
	}
}

func (e *Engine) markProcessed(ctx context.Context, id int64) error {
	if id == 0 {
		return nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.MarkSuggestionProcessed(sctx, id); err != nil {
		return fmt.Errorf("mark suggestion %d processed: %w", id, err)
	}
	return nil
}
