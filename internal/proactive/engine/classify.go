package engine

import "strings"

// Verdict is the outcome of classifying a reply.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictPositive
	VerdictNegative
)

func (v Verdict) String() string {
	switch v {
	case VerdictPositive:
		return "positive"
	case VerdictNegative:
		return "negative"
	default:
		return "unknown"
	}
}

// Accepted reports whether the reply counts as acceptance. Unknown replies
// count as declined.
func (v Verdict) Accepted() bool { return v == VerdictPositive }

// Default keyword sets; other languages come from config.
var (
	DefaultPositive = []string{"да", "ок", "хорошо", "ладно"}
	DefaultNegative = []string{"нет", "не", "потом", "позже"}
)

// Classifier matches lowercased reply text against keyword sets by substring.
// Positive keywords are checked first.
type Classifier struct {
	Positive []string
	Negative []string
}

func DefaultClassifier() Classifier {
	return Classifier{Positive: DefaultPositive, Negative: DefaultNegative}
}

func (c Classifier) Classify(text string) Verdict {
	lower := strings.ToLower(text)
	if containsAny(lower, c.Positive) {
		return VerdictPositive
	}
	if containsAny(lower, c.Negative) {
		return VerdictNegative
	}
	return VerdictUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.ToLower(k); k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}
