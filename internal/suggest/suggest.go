// Package suggest records new suggestions and announces them on the bus.
// Generating the text is the caller's job.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"jarvis/internal/eventbus"
	"jarvis/internal/storage"
	logx "jarvis/pkg/logx"
)

type Creator interface {
	CreateSuggestion(ctx context.Context, s storage.Suggestion) (int64, error)
}

type Input struct {
	Text       string `json:"text"`
	ReasonCode string `json:"reason_code"`
	TraceID    string `json:"trace_id,omitempty"`
	Present    *bool  `json:"present,omitempty"`
}

type Emitter struct {
	store Creator
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewEmitter(store Creator, bus eventbus.Bus, log logx.Logger) *Emitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Emitter{store: store, bus: bus, log: log.With(logx.Comp("suggest")), now: time.Now}
}

// Emit persists the suggestion and publishes suggestion.created. A missing
// trace id is generated.
func (e *Emitter) Emit(ctx context.Context, in Input) (storage.Suggestion, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return storage.Suggestion{}, errors.New("suggestion text is empty")
	}
	s := storage.Suggestion{
		Text:       text,
		ReasonCode: strings.TrimSpace(in.ReasonCode),
		TraceID:    strings.TrimSpace(in.TraceID),
		CreatedAt:  e.now(),
	}
	if s.TraceID == "" {
		s.TraceID = uuid.NewString()
	}
	if e.store != nil {
		id, err := e.store.CreateSuggestion(ctx, s)
		if err != nil {
			return storage.Suggestion{}, fmt.Errorf("create suggestion: %w", err)
		}
		s.ID = id
	}

	attrs := eventbus.Attrs(
		"text", s.Text,
		"reason_code", s.ReasonCode,
		"suggestion_id", s.ID,
		"trace_id", s.TraceID,
	)
	if in.Present != nil {
		attrs["present"] = *in.Present
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindSuggestionCreated, Time: s.CreatedAt, Attrs: attrs})
	e.log.Info("suggestion emitted", logx.Int64("suggestion_id", s.ID), logx.String("reason_code", s.ReasonCode), logx.String("trace_id", s.TraceID))
	return s, nil
}
