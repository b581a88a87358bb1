package config

import (
	"reflect"

	logx "jarvis/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ and safe log
// attrs for the ones applied live. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"voice", oldCfg.Voice, newCfg.Voice},
		{"policy", oldCfg.Policy, newCfg.Policy},
		{"quiet_hours", oldCfg.QuietHours, newCfg.QuietHours},
		{"engine", oldCfg.Engine, newCfg.Engine},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"tuning", oldCfg.Tuning, newCfg.Tuning},
		{"nats", oldCfg.NATS, newCfg.NATS},
		{"http", oldCfg.HTTP, newCfg.HTTP},
		{"metrics", oldCfg.Metrics, newCfg.Metrics},
	}
	var changed []string
	var attrs []logx.Field
	for _, s := range sections {
		if reflect.DeepEqual(s.old, s.new) {
			continue
		}
		changed = append(changed, s.name)
		if s.name == "logging" {
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.console", newCfg.Logging.Console),
				logx.Bool("logging.file.enabled", newCfg.Logging.File.Enabled),
			)
		}
	}
	return changed, attrs
}

// RestartRequired reports changed sections that hot reload does not apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
