package policy

// Channel is a delivery medium for a suggestion.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelText  Channel = "text"
)

func (c Channel) Valid() bool { return c == ChannelVoice || c == ChannelText }

// DecisionKind tags a Decision.
type DecisionKind int

const (
	Suppressed DecisionKind = iota
	Dispatch
)

// SuppressReason explains a Suppressed decision.
type SuppressReason string

const (
	ReasonNone          SuppressReason = ""
	ReasonQuietHours    SuppressReason = "quiet_hours"
	ReasonCancelKeyword SuppressReason = "cancel_keyword"
	ReasonDailyLimit    SuppressReason = "daily_limit"
	ReasonThrottled     SuppressReason = "throttled"
)

// Decision is either Dispatch(Channel) or Suppressed(Reason).
type Decision struct {
	Kind    DecisionKind
	Channel Channel
	Reason  SuppressReason
}

func dispatchTo(ch Channel) Decision { return Decision{Kind: Dispatch, Channel: ch} }

func suppress(r SuppressReason) Decision { return Decision{Kind: Suppressed, Reason: r} }

func (d Decision) Suppressed() bool { return d.Kind == Suppressed }

func (d Decision) String() string {
	if d.Kind == Dispatch {
		return "dispatch:" + string(d.Channel)
	}
	return "suppressed:" + string(d.Reason)
}
