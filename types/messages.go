package types

import "fmt"

// MessageType represents the type of a consensus message.
type MessageType int

const (
	// ProposeType carries a candidate block.
	ProposeType MessageType = iota
	// PreVoteType is the first voting phase.
	PreVoteType
	// PreCommitType is sent after 2f+1 pre-votes.
	PreCommitType
	// CommitType is sent after 2f+1 pre-commits.
	CommitType
	// ViewChangeType asks peers to move to a new view.
	ViewChangeType
	// HeartbeatType is the liveness beacon.
	HeartbeatType
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case ProposeType:
		return "PROPOSE"
	case PreVoteType:
		return "PRE-VOTE"
	case PreCommitType:
		return "PRE-COMMIT"
	case CommitType:
		return "COMMIT"
	case ViewChangeType:
		return "VIEW-CHANGE"
	case HeartbeatType:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Message is a consensus message. The set of implementations is closed:
// Propose, PreVote, PreCommit, Commit, ViewChange and Heartbeat.
type Message interface {
	Type() MessageType
	isMessage()
}

// Propose carries a block proposal.
type Propose struct {
	BlockBytes []byte `json:"block_bytes"`
	Height     uint64 `json:"height"`
	BlockHash  []byte `json:"block_hash"`
}

// PreVote is a first-phase vote for a block.
type PreVote struct {
	BlockHash []byte `json:"block_hash"`
	Height    uint64 `json:"height"`
	Signature []byte `json:"signature"`
}

// PreCommit is a second-phase vote for a block.
type PreCommit struct {
	BlockHash []byte `json:"block_hash"`
	Height    uint64 `json:"height"`
	Signature []byte `json:"signature"`
}

// Commit is the final vote for a block.
type Commit struct {
	BlockHash []byte `json:"block_hash"`
	Height    uint64 `json:"height"`
	Signature []byte `json:"signature"`
}

// ViewChange requests a move to NewView.
type ViewChange struct {
	NewView   uint64 `json:"new_view"`
	Reason    string `json:"reason"`
	Signature []byte `json:"signature"`
}

// Heartbeat announces liveness and the sender's view and height.
type Heartbeat struct {
	View      uint64 `json:"view"`
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"` // unix seconds
}

func (*Propose) Type() MessageType    { return ProposeType }
func (*PreVote) Type() MessageType    { return PreVoteType }
func (*PreCommit) Type() MessageType  { return PreCommitType }
func (*Commit) Type() MessageType     { return CommitType }
func (*ViewChange) Type() MessageType { return ViewChangeType }
func (*Heartbeat) Type() MessageType  { return HeartbeatType }

func (*Propose) isMessage()    {}
func (*PreVote) isMessage()    {}
func (*PreCommit) isMessage()  {}
func (*Commit) isMessage()     {}
func (*ViewChange) isMessage() {}
func (*Heartbeat) isMessage()  {}

// Inbound is a message received from the network, attributed to its sender.
type Inbound struct {
	From NodeID
	Msg  Message
}

// Outbound asks the network to deliver Msg to To. A broadcast is one Outbound per validator.
type Outbound struct {
	To  NodeID
	Msg Message
}

type voteSignPayload struct {
	Type      MessageType `cbor:"1,keyasint"`
	BlockHash []byte      `cbor:"2,keyasint"`
	Height    uint64      `cbor:"3,keyasint"`
}

// VoteSignBytes returns the canonical payload a validator signs for a vote.
func VoteSignBytes(t MessageType, blockHash []byte, height uint64) []byte {
	data, err := Marshal(voteSignPayload{Type: t, BlockHash: blockHash, Height: height})
	if err != nil {
		return nil
	}
	return data
}

// ViewChangeSignBytes returns the canonical payload signed for a view change.
func ViewChangeSignBytes(newView uint64, reason string) []byte {
	data, err := Marshal(struct {
		NewView uint64 `cbor:"1,keyasint"`
		Reason  string `cbor:"2,keyasint"`
	}{newView, reason})
	if err != nil {
		return nil
	}
	return data
}

// VoteFields extracts the common fields of a vote message.
func VoteFields(msg Message) (blockHash []byte, height uint64, signature []byte, err error) {
	switch m := msg.(type) {
	case *PreVote:
		return m.BlockHash, m.Height, m.Signature, nil
	case *PreCommit:
		return m.BlockHash, m.Height, m.Signature, nil
	case *Commit:
		return m.BlockHash, m.Height, m.Signature, nil
	default:
		return nil, 0, nil, fmt.Errorf("%s is not a vote", msg.Type())
	}
}
