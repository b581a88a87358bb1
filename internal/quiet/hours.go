package quiet

import (
	"sync"
	"time"

	logx "jarvis/pkg/logx"
)

const (
	// An hour with less presence activity than this is considered quiet.
	activityThreshold = 15 * time.Minute
	// Shorter quiet runs are treated as noise.
	minQuietHours = 6
)

// DefaultWindow is used when neither config nor aggregates provide one.
var DefaultWindow = Window{Start: NewTimeOfDay(23, 0), End: NewTimeOfDay(8, 0)}

// Hours answers "is it quiet now". The window can be replaced at runtime
// (e.g. after presence aggregates are recomputed).
type Hours struct {
	mu     sync.RWMutex
	window Window
	log    logx.Logger
}

func NewHours(w Window, log logx.Logger) *Hours {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hours{window: w, log: log.With(logx.Comp("quiet"))}
}

// QuietAt reports whether t falls inside the quiet window.
func (h *Hours) QuietAt(t time.Time) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	w := h.window
	h.mu.RUnlock()
	return w.Contains(t)
}

func (h *Hours) Window() Window {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.window
}

func (h *Hours) Set(w Window) {
	h.mu.Lock()
	h.window = w
	h.mu.Unlock()
	h.log.Info("quiet hours updated", logx.String("window", w.String()))
}

// UpdateFromActivity derives the window from 24 hourly presence totals and applies it.
func (h *Hours) UpdateFromActivity(perHour []time.Duration) Window {
	w := Derive(perHour)
	h.Set(w)
	return w
}

// Derive finds the longest contiguous run of hours (wrapping midnight) whose
// activity is below the threshold. Runs shorter than six hours, or input that
// is not exactly 24 entries, fall back to DefaultWindow.
func Derive(perHour []time.Duration) Window {
	if len(perHour) != 24 {
		return DefaultWindow
	}
	bestStart, bestLen := 0, -1
	runStart := -1
	// Walk two days so a run crossing midnight is seen whole.
	for i := 0; i < 48; i++ {
		if perHour[i%24] < activityThreshold {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			if n := i - runStart; n > bestLen {
				bestStart, bestLen = runStart, n
			}
			runStart = -1
		}
	}
	if runStart >= 0 {
		if n := 48 - runStart; n > bestLen {
			bestStart, bestLen = runStart, n
		}
	}
	if bestLen < minQuietHours {
		return DefaultWindow
	}
	if bestLen >= 24 {
		// Never active at all: quiet all day is not useful, keep defaults.
		return DefaultWindow
	}
	return Window{
		Start: NewTimeOfDay(bestStart%24, 0),
		End:   NewTimeOfDay((bestStart+bestLen)%24, 0),
	}
}
