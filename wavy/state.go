package wavy

import "fmt"

// State is the lifecycle stage of a device
type State int

const (
	Unconfigured State = iota
	AwaitingActivation
	Publishing
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "Unconfigured"
	case AwaitingActivation:
		return "AwaitingActivation"
	case Publishing:
		return "Publishing"
	case ShuttingDown:
		return "ShuttingDown"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// next lists the states reachable from each state
var next = map[State][]State{
	Unconfigured:       {AwaitingActivation, Publishing, ShuttingDown, Terminated},
	AwaitingActivation: {Publishing, Terminated},
	Publishing:         {ShuttingDown},
	ShuttingDown:       {Terminated},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
