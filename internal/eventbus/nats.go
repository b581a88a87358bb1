package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	rtsup "jarvis/internal/runtime/supervisor"
	logx "jarvis/pkg/logx"
)

// BridgeConfig mirrors selected bus kinds to NATS subjects and injects
// remote events back into the local bus.
//
// Subjects are "<prefix>.<kind>", e.g. "jarvis.presence.update".
type BridgeConfig struct {
	URL           string
	SubjectPrefix string
	Forward       []string // local kinds published to NATS
	Ingest        []string // remote kinds injected locally (empty = all)
}

// envelope is the wire form of an Event on NATS.
type envelope struct {
	Origin string         `json:"origin"`
	Kind   string         `json:"kind"`
	Time   time.Time      `json:"time"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Bridge connects the in-memory bus to a NATS server so out-of-process
// collaborators (presence detector, speech recognizer, suggestion generator)
// can exchange events with the engine.
type Bridge struct {
	cfg    BridgeConfig
	bus    Bus
	log    logx.Logger
	origin string

	nc  *nats.Conn
	sub *nats.Subscription
	sup *rtsup.Supervisor
}

func NewBridge(cfg BridgeConfig, bus Bus, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = "jarvis"
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		log:    log.With(logx.Comp("eventbus.nats")),
		origin: uuid.NewString(),
	}
}

// Start connects and starts forwarding in both directions.
func (b *Bridge) Start(ctx context.Context) error {
	nc, err := nats.Connect(b.cfg.URL, nats.Name("jarvis-"+b.origin[:8]), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc

	ingest := kindSet(b.cfg.Ingest)
	sub, err := nc.Subscribe(b.cfg.SubjectPrefix+".>", func(m *nats.Msg) {
		ev, ok := b.decode(m.Data)
		if !ok {
			return
		}
		if len(ingest) > 0 && !ingest[ev.Kind] {
			return
		}
		b.bus.Publish(ev)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub

	forward := kindSet(b.cfg.Forward)
	ch, unsub := b.bus.Subscribe(256)
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log))
	b.sup.Go0("forward", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Source == "nats" || !forward[ev.Kind] {
					continue
				}
				if err := b.publish(ev); err != nil {
					b.log.Warn("forward failed", logx.String("kind", ev.Kind), logx.Err(err))
				}
			}
		}
	})
	b.log.Info("bridge started", logx.String("url", b.cfg.URL), logx.String("prefix", b.cfg.SubjectPrefix))
	return nil
}

func (b *Bridge) publish(ev Event) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Kind: ev.Kind, Time: ev.Time, Attrs: ev.Attrs})
	if err != nil {
		return err
	}
	return b.nc.Publish(b.cfg.SubjectPrefix+"."+ev.Kind, data)
}

func (b *Bridge) decode(data []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Debug("dropping malformed nats event", logx.Err(err))
		return Event{}, false
	}
	// Our own forwards come back through the wildcard subscription.
	if env.Origin == b.origin || env.Kind == "" {
		return Event{}, false
	}
	return Event{Kind: env.Kind, Time: env.Time, Attrs: env.Attrs, Source: "nats"}, true
}

func (b *Bridge) Stop(ctx context.Context) {
	if b.sup != nil {
		_ = b.sup.Stop(ctx)
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

func kindSet(kinds []string) map[string]bool {
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = true
		}
	}
	return m
}
