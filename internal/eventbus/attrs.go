package eventbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event kinds shared across components.
const (
	KindSuggestionCreated  = "suggestion.created"
	KindSuggestionResponse = "suggestion.response"
	KindPresenceUpdate     = "presence.update"
	KindContextSet         = "context.set"
	KindDialogSuccess      = "dialog.success"
	KindDialogFailure      = "dialog.failure"
	KindTelegramMessage    = "telegram.message"
	KindSpeechRecognized   = "speech.recognized"
	KindChatMessage        = "chat.message"
	KindPolicyAdapted      = "policy.adapted"
)

// String returns attrs[key] as a string ("" if absent).
func (e Event) String(key string) string {
	v, ok := e.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Int64 returns attrs[key] as an int64. Numbers decoded from JSON
// (float64, json.Number) and numeric strings are accepted.
func (e Event) Int64(key string) (int64, bool) {
	v, ok := e.Attrs[key]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns attrs[key] as a bool; ok is false when absent or not boolean-like.
func (e Event) Bool(key string) (val bool, ok bool) {
	v, present := e.Attrs[key]
	if !present || v == nil {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	case int:
		return x != 0, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}

// Attrs builds an attribute map from alternating key/value pairs.
// Non-string or empty keys are skipped.
func Attrs(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k == "" {
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}
