// Package tuning periodically feeds aggregated feedback back into the policy.
package tuning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jarvis/internal/eventbus"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/storage"
	logx "jarvis/pkg/logx"
)

const DefaultSchedule = "@every 1h"

type Config struct {
	Schedule string
	Timezone string
	// ReasonCodes restricts which suggestion categories count; empty means all.
	ReasonCodes []string
	Timeout     time.Duration
}

type Source interface {
	FeedbackRatioByReasonCode(ctx context.Context) (map[string]storage.FeedbackCounts, error)
}

type Adapter interface {
	AdaptFromFeedback(r policy.Ratio) policy.Config
}

type Result struct {
	Counts storage.FeedbackCounts
	Config policy.Config
}

type Job struct {
	cfg    Config
	source Source
	policy Adapter
	bus    eventbus.Bus
	log    logx.Logger
	parser cron.Parser

	runMu sync.Mutex // one adaptation at a time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, source Source, pol Adapter, bus eventbus.Bus, log logx.Logger) *Job {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Job{
		cfg:    cfg,
		source: source,
		policy: pol,
		bus:    bus,
		log:    log.With(logx.Comp("tuning")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether the schedule parses.
func (j *Job) Validate() error {
	if _, err := j.parser.Parse(j.cfg.Schedule); err != nil {
		return fmt.Errorf("tuning schedule %q: %w", j.cfg.Schedule, err)
	}
	return nil
}

func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(j.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("tuning timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddJob(j.cfg.Schedule, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Warn("tuning run failed", logx.Err(err))
		}
	})); err != nil {
		return fmt.Errorf("tuning schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.c = c
	j.log.Info("tuning scheduled", logx.String("schedule", j.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (j *Job) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce sums feedback across the selected reason codes and adapts the policy.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	byCode, err := j.source.FeedbackRatioByReasonCode(qctx)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("read feedback ratio: %w", err)
	}

	counts := Sum(byCode, j.cfg.ReasonCodes)
	cfg := j.policy.AdaptFromFeedback(policy.Ratio{
		Accepted: float64(counts.Accepted),
		Rejected: float64(counts.Rejected),
	})
	res := Result{Counts: counts, Config: cfg}
	if counts.Total() == 0 {
		return res, nil
	}

	j.log.Info("policy tuned",
		logx.Int64("accepted", counts.Accepted),
		logx.Int64("rejected", counts.Rejected),
		logx.Duration("min_interval", cfg.MinInterval),
		logx.Int("daily_limit", cfg.DailyLimit),
	)
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Kind: eventbus.KindPolicyAdapted, Time: time.Now(), Attrs: eventbus.Attrs(
			"accepted", counts.Accepted,
			"rejected", counts.Rejected,
			"min_interval_minutes", int64(cfg.MinInterval/time.Minute),
			"daily_limit", int64(cfg.DailyLimit),
		)})
	}
	return res, nil
}

// Sum totals counts for codes (all codes when codes is empty).
func Sum(byCode map[string]storage.FeedbackCounts, codes []string) storage.FeedbackCounts {
	var total storage.FeedbackCounts
	if len(codes) == 0 {
		keys := make([]string, 0, len(byCode))
		for k := range byCode {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		codes = keys
	}
	for _, code := range codes {
		c := byCode[code]
		total.Accepted += c.Accepted
		total.Rejected += c.Rejected
	}
	return total
}
