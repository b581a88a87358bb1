package engine

import (
	"context"
	"fmt"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	"jarvis/internal/storage"
	logx "jarvis/pkg/logx"
)

// OnUserText treats text as the reply to the awaiting suggestion. It reports
// false when nothing was awaited. The slot is cleared before any I/O, so a
// failed feedback write still leaves the engine ready for the next suggestion.
func (e *Engine) OnUserText(ctx context.Context, text string) (bool, error) {
	a, ok := e.take()
	if !ok {
		return false, nil
	}
	verdict := e.cfg.Classifier.Classify(text)
	accepted := verdict.Accepted()
	log := e.log.With(logx.Int64("suggestion_id", a.SuggestionID), logx.String("trace_id", a.TraceID))
	log.Info("response received", logx.String("verdict", verdict.String()), logx.Bool("accepted", accepted))

	sctx, cancel := e.storeCtx(ctx)
	_, err := e.store.InsertFeedback(sctx, storage.Feedback{
		SuggestionID: a.SuggestionID,
		ResponseText: text,
		Accepted:     accepted,
		At:           e.now(),
	})
	cancel()
	if err != nil {
		return true, fmt.Errorf("insert feedback for suggestion %d: %w", a.SuggestionID, err)
	}

	e.publish(eventbus.KindSuggestionResponse, eventbus.Attrs(
		"suggestion_id", a.SuggestionID,
		"text", text,
		"accepted", accepted,
		"trace_id", a.TraceID,
	))
	outcome := eventbus.KindDialogFailure
	if accepted {
		outcome = eventbus.KindDialogSuccess
	}
	e.publish(outcome, eventbus.Attrs(
		"text", text,
		"suggestion_id", a.SuggestionID,
		"trace_id", a.TraceID,
	))

	e.metrics.Inc(ctx, metrics.SuggestionsResponded)
	if accepted {
		e.metrics.Inc(ctx, metrics.SuggestionsAccepted)
	} else {
		e.metrics.Inc(ctx, metrics.SuggestionsDeclined)
	}

	e.acknowledge(ctx, accepted, log)
	return true, nil
}

// acknowledge is best-effort: errors are logged, never returned.
func (e *Engine) acknowledge(ctx context.Context, accepted bool, log logx.Logger) {
	msg := e.cfg.AckDeclined
	if accepted {
		msg = e.cfg.AckAccepted
	}
	if e.cfg.AckChannel == "" || msg == "" {
		return
	}
	err := e.dispatcher.Dispatch(ctx, e.cfg.AckChannel, msg, func(err error) {
		if err != nil {
			log.Warn("acknowledgement failed", logx.Err(err))
		}
	})
	if err != nil {
		log.Warn("acknowledgement not dispatched", logx.Err(err))
	}
}
