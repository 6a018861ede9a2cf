package packet

// Status is the lifecycle status of a packet envelope.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStored   Status = "stored"
	StatusEmbedded Status = "embedded"
	StatusPartial  Status = "partial"
	StatusError    Status = "error"
)

// Status never returns to pending and never drops from embedded. A replay
// may repair partial to embedded, but a replay that hits a transient
// failure leaves a fully derived packet embedded.
var validTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusStored: {},
		StatusError:  {},
	},
	StatusStored: {
		StatusEmbedded: {},
		StatusPartial:  {},
	},
	StatusPartial: {
		StatusEmbedded: {},
	},
}

// String returns the string form of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStored, StatusEmbedded, StatusPartial, StatusError:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the packet is durably stored with no degraded stage.
func (s Status) IsSuccess() bool {
	return s == StatusStored || s == StatusEmbedded
}

// CanTransitionTo checks whether a status transition is valid. Staying in the
// same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}
