package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"jarvis/internal/eventbus"
	"jarvis/internal/metrics"
	"jarvis/internal/notifier"
	"jarvis/internal/proactive/engine"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/storage"
	"jarvis/internal/suggest"
	"jarvis/internal/tuning"
	logx "jarvis/pkg/logx"
)

const bodyLimit = 64 << 10

type Emitter interface {
	Emit(ctx context.Context, in suggest.Input) (storage.Suggestion, error)
}

type EngineView interface {
	Awaiting() (engine.Awaiting, bool)
	Present() bool
}

type PolicyView interface {
	Config() policy.Config
	State() policy.State
}

type Tuner interface {
	RunOnce(ctx context.Context) (tuning.Result, error)
}

type HistorySource interface {
	History() []notifier.HistoryItem
}

// Deps are the collaborators behind the routes. Nil Emitter or Tuner turns
// the matching route into 503.
type Deps struct {
	Emitter Emitter
	Engine  EngineView
	Policy  PolicyView
	Tuner   Tuner
	Queue   HistorySource
	Metrics *metrics.Registry
	Bus     eventbus.Bus
	Log     logx.Logger
	Now     func() time.Time
}

type handlers struct {
	Deps
}

// NewRouter builds the route tree.
func NewRouter(cfg Config, d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(h.requestLog)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Post("/suggestions", h.createSuggestion)
			r.Post("/presence", h.presence)
			r.Post("/messages", h.message)
			r.Post("/tuning/run", h.runTuning)
		})
		if cfg.Profiling {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

func (h *handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.Log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type policyStatus struct {
	ForceChannel   string     `json:"force_channel,omitempty"`
	SilenceWindow  string     `json:"silence_window,omitempty"`
	MinIntervalSec int64      `json:"min_interval_sec"`
	DailyLimit     int        `json:"daily_limit"`
	CancelKeywords []string   `json:"cancel_keywords,omitempty"`
	SentToday      int        `json:"sent_today"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
}

type statusResponse struct {
	Time     time.Time              `json:"time"`
	Present  *bool                  `json:"present,omitempty"`
	Awaiting *engine.Awaiting       `json:"awaiting,omitempty"`
	Policy   *policyStatus          `json:"policy,omitempty"`
	Metrics  map[string]int64       `json:"metrics,omitempty"`
	Queue    []notifier.HistoryItem `json:"recent_sends,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Time: h.Now(), Metrics: h.Metrics.Snapshot()}
	if h.Engine != nil {
		p := h.Engine.Present()
		resp.Present = &p
		if a, ok := h.Engine.Awaiting(); ok {
			resp.Awaiting = &a
		}
	}
	if h.Policy != nil {
		cfg, st := h.Policy.Config(), h.Policy.State()
		ps := &policyStatus{
			ForceChannel:   string(cfg.ForceChannel),
			MinIntervalSec: int64(cfg.MinInterval / time.Second),
			DailyLimit:     cfg.DailyLimit,
			CancelKeywords: cfg.CancelKeywords,
			SentToday:      st.SentToday,
		}
		if cfg.SilenceWindow != nil {
			ps.SilenceWindow = cfg.SilenceWindow.String()
		}
		if !st.LastSentAt.IsZero() {
			t := st.LastSentAt
			ps.LastSentAt = &t
		}
		resp.Policy = ps
	}
	if h.Queue != nil {
		resp.Queue = h.Queue.History()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) createSuggestion(w http.ResponseWriter, r *http.Request) {
	if h.Emitter == nil {
		writeError(w, http.StatusServiceUnavailable, "suggestions are not accepted")
		return
	}
	in, ok := readJSON[suggest.Input](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	s, err := h.Emitter.Emit(r.Context(), in)
	if err != nil {
		h.Log.Error("emit suggestion failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

type presenceRequest struct {
	Present *bool `json:"present"`
}

func (h *handlers) presence(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[presenceRequest](w, r)
	if !ok {
		return
	}
	if req.Present == nil {
		writeError(w, http.StatusBadRequest, "present is required")
		return
	}
	if !h.publish(w, eventbus.KindPresenceUpdate, eventbus.Attrs("present", *req.Present)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[messageRequest](w, r)
	if !ok {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if !h.publish(w, eventbus.KindChatMessage, eventbus.Attrs("text", text)) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type tuningResponse struct {
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	MinIntervalSec int64 `json:"min_interval_sec"`
	DailyLimit     int   `json:"daily_limit"`
}

func (h *handlers) runTuning(w http.ResponseWriter, r *http.Request) {
	if h.Tuner == nil {
		writeError(w, http.StatusServiceUnavailable, "tuning is disabled")
		return
	}
	res, err := h.Tuner.RunOnce(r.Context())
	if err != nil {
		h.Log.Error("tuning run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tuningResponse{
		Accepted:       res.Counts.Accepted,
		Rejected:       res.Counts.Rejected,
		MinIntervalSec: int64(res.Config.MinInterval / time.Second),
		DailyLimit:     res.Config.DailyLimit,
	})
}

func (h *handlers) publish(w http.ResponseWriter, kind string, attrs map[string]any) bool {
	if h.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return false
	}
	h.Bus.Publish(eventbus.Event{Kind: kind, Time: h.Now(), Attrs: attrs, Source: "http"})
	return true
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
