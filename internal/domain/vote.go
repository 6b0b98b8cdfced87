package domain

import "strconv"

type VoteKind string

const (
	VoteNone    VoteKind = "none"
	VoteNumeric VoteKind = "numeric"
	VoteCoffee  VoteKind = "coffee"
	VoteJoint   VoteKind = "joint"
)

// Display symbols for the two non-numeric votes.
const (
	CoffeeSymbol = "☕"
	JointSymbol  = "🚬"
)

// Vote is a single-choice vote: a numeric estimate, one of the two special
// categories, or nothing. Value is meaningful only when Kind is VoteNumeric;
// zero is a valid cast estimate there.
type Vote struct {
	Kind  VoteKind
	Value float64
}

func NumericVote(value float64) Vote {
	return Vote{Kind: VoteNumeric, Value: value}
}

func CoffeeVote() Vote {
	return Vote{Kind: VoteCoffee}
}

func JointVote() Vote {
	return Vote{Kind: VoteJoint}
}

func NoVote() Vote {
	return Vote{Kind: VoteNone}
}

func (v Vote) IsCast() bool {
	return v.Kind != VoteNone
}

func (v Vote) IsSpecial() bool {
	return v.Kind == VoteCoffee || v.Kind == VoteJoint
}

// Display returns the value shown on a revealed card.
func (v Vote) Display() string {
	switch v.Kind {
	case VoteCoffee:
		return CoffeeSymbol
	case VoteJoint:
		return JointSymbol
	case VoteNumeric:
		return strconv.FormatFloat(v.Value, 'f', -1, 64)
	default:
		return "—"
	}
}

// VoteBreakdown is the wire form of a vote as stored under a player record:
// three counters of which at most one is non-zero.
type VoteBreakdown struct {
	Numbers float64 `json:"numbers"`
	Coffee  int     `json:"coffee"`
	Joint   int     `json:"joint"`
}

// Breakdown encodes the vote into its wire form, writing exactly one field.
func (v Vote) Breakdown() VoteBreakdown {
	switch v.Kind {
	case VoteNumeric:
		return VoteBreakdown{Numbers: v.Value}
	case VoteCoffee:
		return VoteBreakdown{Coffee: 1}
	case VoteJoint:
		return VoteBreakdown{Joint: 1}
	default:
		return VoteBreakdown{}
	}
}

// Vote decodes the wire form back into the single-choice representation.
// A breakdown that violates the one-field invariant is resolved in the
// order coffee, joint, numbers. hasVoted distinguishes a cast zero vote
// from no vote at all.
func (b VoteBreakdown) Vote(hasVoted bool) Vote {
	if !hasVoted {
		return NoVote()
	}
	if b.Coffee > 0 {
		return CoffeeVote()
	}
	if b.Joint > 0 {
		return JointVote()
	}
	return NumericVote(b.Numbers)
}
