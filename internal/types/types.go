package types

import "fmt"

// Default project geometry
const (
	DefaultSequences        = 64
	DefaultChannels         = 16
	DefaultStepsPerSequence = 64
	StepsPerBeat            = 4
	BeatsPerBar             = 4
	DefaultBPM              = 120.0
)

// Direction selects which twin of a buffer a trigger plays
type Direction int

const (
	Normal Direction = iota
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Normal:
		return "normal"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// DirectionFor maps a step's reverse flag onto a Direction
func DirectionFor(reverse bool) Direction {
	if reverse {
		return Reverse
	}
	return Normal
}

// ChainPolicy decides what happens when the current sequence wraps to step 0
type ChainPolicy int

const (
	// LoopSequence keeps playing the current sequence
	LoopSequence ChainPolicy = iota
	// AdvanceLive moves to the next live sequence, wrapping to the first one
	AdvanceLive
)

func (p ChainPolicy) String() string {
	switch p {
	case LoopSequence:
		return "loop"
	case AdvanceLive:
		return "advance"
	default:
		return fmt.Sprintf("ChainPolicy(%d)", int(p))
	}
}

// ParseChainPolicy accepts the names produced by String
func ParseChainPolicy(s string) (ChainPolicy, error) {
	switch s {
	case "loop", "":
		return LoopSequence, nil
	case "advance":
		return AdvanceLive, nil
	}
	return LoopSequence, fmt.Errorf("unknown chain policy %q", s)
}
