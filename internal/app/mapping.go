package app

import (
	"strings"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/eventbus"
	"jarvis/internal/httpapi"
	"jarvis/internal/metrics"
	"jarvis/internal/notifier"
	"jarvis/internal/proactive/engine"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/quiet"
	"jarvis/internal/storage"
	"jarvis/internal/transport/telegram"
	"jarvis/internal/tuning"
	logx "jarvis/pkg/logx"
)

// Config values were validated on load, so parse errors here are still
// reported but not expected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapPolicy(cfg *config.Config) (policy.Config, error) {
	pc := cfg.Policy
	minInterval, err := config.ParseDurationField("policy.min_interval", pc.MinInterval)
	if err != nil {
		return policy.Config{}, err
	}
	out := policy.Config{
		ForceChannel:   policy.Channel(pc.ForceChannel),
		MinInterval:    minInterval,
		DailyLimit:     pc.DailyLimit,
		CancelKeywords: pc.CancelKeywords,
	}
	if pc.SilenceWindow != nil {
		w, err := quiet.ParseWindow(pc.SilenceWindow.Start, pc.SilenceWindow.End)
		if err != nil {
			return policy.Config{}, err
		}
		out.SilenceWindow = &w
	}
	return out, nil
}

// mapQuietHours returns nil when ambient quiet hours are off.
func mapQuietHours(cfg *config.Config) (*quiet.Window, error) {
	qc := cfg.QuietHours
	if !qc.Enabled {
		return nil, nil
	}
	if qc.Start == "" && qc.End == "" {
		w := quiet.DefaultWindow
		return &w, nil
	}
	w, err := quiet.ParseWindow(qc.Start, qc.End)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	out := engine.DefaultConfig()
	timeout, err := config.ParseDurationOrDefault("engine.response_timeout", ec.ResponseTimeout, out.ResponseTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.ResponseTimeout = timeout
	if len(ec.UserTextKinds) > 0 {
		out.UserTextKinds = ec.UserTextKinds
	}
	if len(ec.PositiveWords) > 0 {
		out.Classifier.Positive = ec.PositiveWords
	}
	if len(ec.NegativeWords) > 0 {
		out.Classifier.Negative = ec.NegativeWords
	}
	if ec.AckAccepted != "" {
		out.AckAccepted = ec.AckAccepted
	}
	if ec.AckDeclined != "" {
		out.AckDeclined = ec.AckDeclined
	}
	switch ec.AckChannel {
	case "":
	case "none":
		out.AckChannel = ""
	default:
		out.AckChannel = ec.AckChannel
	}
	out.StartAbsent = ec.StartAbsent
	return out, nil
}

// bindAckChannel returns the channel acknowledgements go out on, or "" when
// channel has no notifier. When plain is set it is bound as "<channel>.ack"
// so acknowledgements skip the reply buttons of suggestion messages.
func bindAckChannel(registry *notifier.Registry, channel string, plain notifier.Notifier) string {
	if channel == "" {
		return ""
	}
	if _, ok := registry.Get(channel); !ok {
		return ""
	}
	if plain == nil {
		return channel
	}
	ack := channel + ".ack"
	registry.Register(ack, plain)
	return ack
}

// mapNotifier reports inline=true for workers: 0.
func mapNotifier(cfg *config.Config) (notifier.Config, bool, error) {
	nc := cfg.Notifier
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, false, err
	}
	out := notifier.Config{QueueSize: nc.QueueSize, RatePerSec: nc.RatePerSec, SendTimeout: timeout}
	if nc.Workers != nil {
		if *nc.Workers == 0 {
			return out, true, nil
		}
		out.Workers = *nc.Workers
	}
	return out, false, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		OwnerChatID: tc.OwnerChatID,
		ThreadID:    tc.ThreadID,
		PollTimeout: poll,

		ReplyButtons: tc.ReplyButtons,
	}, nil
}

func mapTuning(cfg *config.Config) tuning.Config {
	return tuning.Config{
		Schedule:    cfg.Tuning.Schedule,
		Timezone:    cfg.Tuning.Timezone,
		ReasonCodes: cfg.Tuning.ReasonCodes,
	}
}

func mapBridge(cfg *config.Config) eventbus.BridgeConfig {
	nc := cfg.NATS
	forward := nc.Forward
	if len(forward) == 0 {
		forward = []string{
			eventbus.KindContextSet,
			eventbus.KindSuggestionResponse,
			eventbus.KindDialogSuccess,
			eventbus.KindDialogFailure,
			eventbus.KindPolicyAdapted,
		}
	}
	ingest := nc.Ingest
	if len(ingest) == 0 {
		ingest = []string{
			eventbus.KindSuggestionCreated,
			eventbus.KindPresenceUpdate,
			eventbus.KindSpeechRecognized,
			eventbus.KindChatMessage,
		}
	}
	return eventbus.BridgeConfig{URL: nc.URL, SubjectPrefix: nc.SubjectPrefix, Forward: forward, Ingest: ingest}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Profiling:     hc.Profiling,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// WriteTimeout stays 0 unless set so pprof profiles can run long.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapMetrics(cfg *config.Config) (metrics.ExportConfig, error) {
	mc := cfg.Metrics
	interval, err := config.ParseDurationField("metrics.interval", mc.Interval)
	if err != nil {
		return metrics.ExportConfig{}, err
	}
	return metrics.ExportConfig{Endpoint: strings.TrimSpace(mc.OTLPEndpoint), Insecure: mc.Insecure, Interval: interval}, nil
}
