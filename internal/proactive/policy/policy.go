// Package policy decides whether and through which channel a proactive
// suggestion is delivered, and tunes its own limits from user feedback.
package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"jarvis/internal/metrics"
	"jarvis/internal/quiet"
	logx "jarvis/pkg/logx"
)

const maxMinInterval = 60 * time.Minute

// Config holds the tunable rules. DailyLimit <= 0 means no daily cap.
type Config struct {
	ForceChannel   Channel
	SilenceWindow  *quiet.Window
	MinInterval    time.Duration
	DailyLimit     int
	CancelKeywords []string
}

func (c Config) clone() Config {
	cp := c
	if c.SilenceWindow != nil {
		w := *c.SilenceWindow
		cp.SilenceWindow = &w
	}
	cp.CancelKeywords = append([]string(nil), c.CancelKeywords...)
	return cp
}

// State is the runtime bookkeeping behind throttling and the daily cap.
type State struct {
	LastSentAt time.Time
	SentToday  int
	CurrentDay time.Time
}

// QuietChecker reports ambient quiet hours.
type QuietChecker interface {
	QuietAt(t time.Time) bool
}

// Ratio is aggregated feedback; values may be counts or shares.
type Ratio struct {
	Accepted float64
	Rejected float64
}

// Policy is safe for concurrent use.
type Policy struct {
	mu       sync.Mutex
	cfg      Config
	keywords []string // lowercased CancelKeywords
	state    State

	quiet   QuietChecker
	metrics *metrics.Registry
	log     logx.Logger
}

type Option func(*Policy)

func WithQuietHours(q QuietChecker) Option { return func(p *Policy) { p.quiet = q } }

func WithMetrics(m *metrics.Registry) Option { return func(p *Policy) { p.metrics = m } }

func WithLogger(log logx.Logger) Option { return func(p *Policy) { p.log = log } }

func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.Comp("policy"))
	p.setConfigLocked(cfg)
	p.metrics.Touch(metrics.VoiceSuppressedNight)
	return p
}

func (p *Policy) setConfigLocked(cfg Config) {
	p.cfg = cfg.clone()
	p.keywords = p.keywords[:0]
	for _, k := range cfg.CancelKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			p.keywords = append(p.keywords, k)
		}
	}
}

// Config returns a copy of the current rules.
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.clone()
}

// State returns a copy of the runtime state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ChooseChannel runs the gating pipeline; the first matching rule wins.
// Counters are only advanced when a channel is actually chosen.
func (p *Policy) ChooseChannel(present bool, now time.Time, text string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quiet != nil && p.quiet.QuietAt(now) {
		p.metrics.Inc(context.Background(), metrics.VoiceSuppressedNight)
		return p.suppressLocked(ReasonQuietHours)
	}

	if text != "" && p.hasCancelKeywordLocked(text) {
		return p.suppressLocked(ReasonCancelKeyword)
	}

	if p.cfg.DailyLimit > 0 {
		if !sameDay(p.state.CurrentDay, now) {
			p.state.CurrentDay = dayOf(now)
			p.state.SentToday = 0
		}
		if p.state.SentToday >= p.cfg.DailyLimit {
			return p.suppressLocked(ReasonDailyLimit)
		}
	}

	if p.cfg.MinInterval > 0 && !p.state.LastSentAt.IsZero() {
		if since := now.Sub(p.state.LastSentAt); since < p.cfg.MinInterval {
			p.log.Debug("throttled", logx.Duration("since_last", since), logx.Duration("min_interval", p.cfg.MinInterval))
			return p.suppressLocked(ReasonThrottled)
		}
	}

	ch := ChannelVoice
	reason := "default"
	switch {
	case p.cfg.ForceChannel != "":
		ch, reason = p.cfg.ForceChannel, "forced"
	case !present:
		ch, reason = ChannelText, "absent"
	case p.cfg.SilenceWindow != nil && p.cfg.SilenceWindow.ContainsThrough(now):
		ch, reason = ChannelText, "silence_window"
		p.metrics.Inc(context.Background(), metrics.VoiceSuppressedNight)
	}

	p.state.LastSentAt = now
	// Tracked even without a limit; AdaptFromFeedback may enable one mid-day.
	if !sameDay(p.state.CurrentDay, now) {
		p.state.CurrentDay = dayOf(now)
		p.state.SentToday = 0
	}
	p.state.SentToday++
	p.log.Info("channel decided", logx.String("channel", string(ch)), logx.String("reason", reason), logx.Int("sent_today", p.state.SentToday))
	return dispatchTo(ch)
}

func (p *Policy) suppressLocked(r SuppressReason) Decision {
	p.metrics.Inc(context.Background(), metrics.PolicySuppressed, attribute.String("reason", string(r)))
	p.log.Info("suggestion suppressed", logx.String("reason", string(r)))
	return suppress(r)
}

func (p *Policy) hasCancelKeywordLocked(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range p.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// AdaptFromFeedback nudges the limits one step: mostly-rejected feedback
// makes delivery rarer, mostly-accepted feedback relaxes it.
// MinInterval stays within [0, 60m] and DailyLimit never drops below 1.
func (p *Policy) AdaptFromFeedback(r Ratio) Config {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := r.Accepted + r.Rejected
	if total <= 0 {
		p.log.Info("no feedback to adapt from")
		return p.cfg.clone()
	}
	share := r.Accepted / total
	if share < 0.5 {
		p.cfg.MinInterval = min(p.cfg.MinInterval+time.Minute, maxMinInterval)
		if p.cfg.DailyLimit <= 0 {
			p.cfg.DailyLimit = 1
		} else {
			p.cfg.DailyLimit = max(1, p.cfg.DailyLimit-1)
		}
	} else {
		p.cfg.MinInterval = max(0, p.cfg.MinInterval-time.Minute)
		if p.cfg.DailyLimit <= 0 {
			p.cfg.DailyLimit = 1
		} else {
			p.cfg.DailyLimit++
		}
	}
	p.metrics.Inc(context.Background(), metrics.PolicyAdapted)
	p.log.Info("policy adapted",
		logx.Float64("accepted_share", share),
		logx.Duration("min_interval", p.cfg.MinInterval),
		logx.Int("daily_limit", p.cfg.DailyLimit),
	)
	return p.cfg.clone()
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(day, t time.Time) bool {
	if day.IsZero() {
		return false
	}
	y1, m1, d1 := day.Date()
	y2, m2, d2 := t.In(day.Location()).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
