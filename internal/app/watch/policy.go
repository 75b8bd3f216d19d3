package watch

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	ReplaceStale
	KickSubscriber
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop_frame"
	case ReplaceStale:
		return "replace_stale"
	case KickSubscriber:
		return "kick_subscriber"
	}
	return "unknown"
}

// Policy decides what happens when a subscriber's buffer is full.
type Policy interface {
	OnBackPressure(id string) BackpressureAction
}

// SimplePolicy applies the same action to every subscriber.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(string) BackpressureAction {
	return p.Action
}
