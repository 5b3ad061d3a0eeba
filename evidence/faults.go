package evidence

import (
	"fmt"
	"strings"
)

// FaultType classifies observed Byzantine behaviour.
type FaultType int

const (
	// DoubleSigning is signing two different blocks in the same view and height.
	DoubleSigning FaultType = iota
	VoteWithholding
	BlockWithholding
	// InvalidBlockProposal is a proposal failing structural validation.
	InvalidBlockProposal
	// DelayedMessages is a message arriving later than MaxMessageDelay.
	DelayedMessages
	InconsistentVotes
	// MalformedMessages covers undecodable payloads and bad signatures.
	MalformedMessages
	SpuriousViewChanges
	// InvalidTransactions is a proposal carrying an invalid transaction set.
	InvalidTransactions
	SelectiveTransmission
	SybilAttempt
	EclipseAttempt
	// DoubleProposal is proposing two different blocks at one height.
	DoubleProposal
	NetworkDivision
	ConsensusDelay
	LongRangeAttack
	ReplayAttack
)

var faultTypeNames = [...]string{
	DoubleSigning:         "DoubleSigning",
	VoteWithholding:       "VoteWithholding",
	BlockWithholding:      "BlockWithholding",
	InvalidBlockProposal:  "InvalidBlockProposal",
	DelayedMessages:       "DelayedMessages",
	InconsistentVotes:     "InconsistentVotes",
	MalformedMessages:     "MalformedMessages",
	SpuriousViewChanges:   "SpuriousViewChanges",
	InvalidTransactions:   "InvalidTransactions",
	SelectiveTransmission: "SelectiveTransmission",
	SybilAttempt:          "SybilAttempt",
	EclipseAttempt:        "EclipseAttempt",
	DoubleProposal:        "DoubleProposal",
	NetworkDivision:       "NetworkDivision",
	ConsensusDelay:        "ConsensusDelay",
	LongRangeAttack:       "LongRangeAttack",
	ReplayAttack:          "ReplayAttack",
}

// AllFaultTypes lists every fault type in declaration order.
func AllFaultTypes() []FaultType {
	out := make([]FaultType, len(faultTypeNames))
	for i := range faultTypeNames {
		out[i] = FaultType(i)
	}
	return out
}

// String returns the fault type name. The name is part of the evidence hash.
func (f FaultType) String() string {
	if f < 0 || int(f) >= len(faultTypeNames) {
		return fmt.Sprintf("FaultType(%d)", int(f))
	}
	return faultTypeNames[f]
}

// Valid reports whether f is a known fault type.
func (f FaultType) Valid() bool {
	return f >= 0 && int(f) < len(faultTypeNames)
}

// ParseFaultType parses a fault type name, ignoring case.
func ParseFaultType(s string) (FaultType, error) {
	for i, name := range faultTypeNames {
		if strings.EqualFold(name, s) {
			return FaultType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fault type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f FaultType) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid fault type %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FaultType) UnmarshalText(text []byte) error {
	parsed, err := ParseFaultType(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
