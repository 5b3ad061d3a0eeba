// Package evidence collects reports of Byzantine behaviour, corroborates them
// across reporters and keeps per-node fault history and a TTL blacklist.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/ahwlsqja/bftguard/types"
)

// Evidence is a corroborated or pending record of misbehaviour by NodeID.
type Evidence struct {
	FaultType     FaultType      `json:"fault_type"`
	NodeID        types.NodeID   `json:"node_id"`
	Timestamp     time.Time      `json:"timestamp"`
	RelatedBlocks [][]byte       `json:"related_blocks,omitempty"`
	Data          []byte         `json:"data,omitempty"`
	Description   string         `json:"description"`
	Reporters     []types.NodeID `json:"reporters"`
	Hash          []byte         `json:"evidence_hash"`
}

// HashString returns the hex-encoded evidence hash.
func (e *Evidence) HashString() string {
	return hex.EncodeToString(e.Hash)
}

// HasReporter reports whether id already reported this evidence.
func (e *Evidence) HasReporter(id types.NodeID) bool {
	for _, r := range e.Reporters {
		if r == id {
			return true
		}
	}
	return false
}

// Copy returns a deep copy.
func (e *Evidence) Copy() *Evidence {
	c := *e
	c.RelatedBlocks = make([][]byte, len(e.RelatedBlocks))
	for i, b := range e.RelatedBlocks {
		c.RelatedBlocks[i] = append([]byte(nil), b...)
	}
	c.Data = append([]byte(nil), e.Data...)
	c.Reporters = append([]types.NodeID(nil), e.Reporters...)
	c.Hash = append([]byte(nil), e.Hash...)
	return &c
}

func (e *Evidence) addReporter(id types.NodeID) {
	e.Reporters = append(e.Reporters, id)
	sort.Slice(e.Reporters, func(i, j int) bool { return e.Reporters[i] < e.Reporters[j] })
}

// ComputeHash returns SHA-256(faultTypeName ‖ nodeID ‖ data). Reports of the
// same fault against the same node with the same payload share a hash, which
// is what corroboration counts reporters against.
func ComputeHash(faultType FaultType, nodeID types.NodeID, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(faultType.String()))
	h.Write([]byte(nodeID))
	h.Write(data)
	return h.Sum(nil)
}

// Report is a single reporter's accusation.
type Report struct {
	FaultType     FaultType
	Accused       types.NodeID
	Reporter      types.NodeID
	RelatedBlocks [][]byte
	Data          []byte
	Description   string
}

// ThresholdPenalty is the economic penalty due when a node's fault history
// reaches FaultThreshold.
type ThresholdPenalty struct {
	NodeID    types.NodeID
	FaultType FaultType
	Amount    uint64
}

// PenaltyFor scales the base penalty by fault severity.
func PenaltyFor(base uint64, faultType FaultType) uint64 {
	switch faultType {
	case DoubleSigning:
		return base * 2
	case InvalidBlockProposal:
		return base * 3
	default:
		return base
	}
}

// Result describes what a report changed.
type Result struct {
	// Evidence is the pending or verified record the report was attributed to.
	Evidence *Evidence

	// Verified is set when this report completed corroboration and the
	// evidence was appended to the fault history.
	Verified bool

	// Blacklisted is set when the fault history reached FaultThreshold.
	Blacklisted bool

	// Penalty is non-nil when Blacklisted and slashing is enabled.
	Penalty *ThresholdPenalty
}

// BlacklistEntry is a blacklisted node and when the entry expires.
type BlacklistEntry struct {
	NodeID    types.NodeID `json:"node_id"`
	Since     time.Time    `json:"since"`
	ExpiresAt time.Time    `json:"expires_at"`
}
