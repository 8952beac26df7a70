package plugin

// State is the position of a build pass in the protection pipeline.
type State int

const (
	StateIdle State = iota
	StateStaging
	StateNormalizing
	StateInstalling
	StateInvoking
	StateReintegrating
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateStaging:       "staging",
	StateNormalizing:   "normalizing",
	StateInstalling:    "installing",
	StateInvoking:      "invoking",
	StateReintegrating: "reintegrating",
	StateDone:          "done",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
