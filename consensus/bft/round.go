// Package bft implements the BFT consensus coordinator: round orchestration,
// view change on timeout and Byzantine accountability.
package bft

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/ahwlsqja/bftguard/types"
)

// Status represents the progress of a consensus round.
type Status int

const (
	// StatusInitial - 로컬에서 제안한 직후
	StatusInitial Status = iota
	// StatusProposed - 유효한 제안을 받음
	StatusProposed
	// StatusPreCommitted - 2f+1 pre-votes
	StatusPreCommitted
	// StatusCommitted - 2f+1 pre-commits
	StatusCommitted
	// StatusFinalized - 2f+1 commits
	StatusFinalized
	// StatusFailed - timed out before finalization.
	StatusFailed
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "INITIAL"
	case StatusProposed:
		return "PROPOSED"
	case StatusPreCommitted:
		return "PRE-COMMITTED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusFinalized:
		return "FINALIZED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the round can no longer change status.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// Round is the consensus state for one block hash. It is owned by the
// coordinator and guarded by the coordinator's lock.
type Round struct {
	BlockHash []byte
	Height    uint64
	View      uint64
	Proposer  types.NodeID
	Block     *types.Block
	Status    Status
	StartTime time.Time

	// nodeID -> signature
	PreVotes   map[types.NodeID][]byte
	PreCommits map[types.NodeID][]byte
	Commits    map[types.NodeID][]byte

	viewChangeSent bool
}

// NewRound creates a round in StatusInitial.
func NewRound(blockHash []byte, height, view uint64, now time.Time) *Round {
	return &Round{
		BlockHash:  append([]byte(nil), blockHash...),
		Height:     height,
		View:       view,
		Status:     StatusInitial,
		StartTime:  now,
		PreVotes:   make(map[types.NodeID][]byte),
		PreCommits: make(map[types.NodeID][]byte),
		Commits:    make(map[types.NodeID][]byte),
	}
}

// MarkProposed moves an Initial round to Proposed.
func (r *Round) MarkProposed() bool {
	if r.Status != StatusInitial {
		return false
	}
	r.Status = StatusProposed
	return true
}

// AddVote records sender's vote of type t. It returns false when the sender
// already voted in that phase; the later signature replaces the stored one
// and the vote count is unchanged.
func (r *Round) AddVote(t types.MessageType, sender types.NodeID, signature []byte) bool {
	var votes map[types.NodeID][]byte
	switch t {
	case types.PreVoteType:
		votes = r.PreVotes
	case types.PreCommitType:
		votes = r.PreCommits
	case types.CommitType:
		votes = r.Commits
	default:
		return false
	}
	_, voted := votes[sender]
	votes[sender] = append([]byte(nil), signature...)
	return !voted
}

// Advance moves the round forward through every stage whose quorum is met and
// returns the stages entered, in order. Each stage is only reachable from the
// previous one, and terminal rounds never move.
func (r *Round) Advance(quorum int) []Status {
	var entered []Status
	for {
		next, ok := r.nextStage(quorum)
		if !ok {
			return entered
		}
		r.Status = next
		entered = append(entered, next)
	}
}

func (r *Round) nextStage(quorum int) (Status, bool) {
	switch r.Status {
	case StatusInitial, StatusProposed:
		if len(r.PreVotes) >= quorum {
			return StatusPreCommitted, true
		}
	case StatusPreCommitted:
		if len(r.PreCommits) >= quorum {
			return StatusCommitted, true
		}
	case StatusCommitted:
		if len(r.Commits) >= quorum {
			return StatusFinalized, true
		}
	}
	return r.Status, false
}

// Fail marks a non-terminal round as failed.
func (r *Round) Fail() bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusFailed
	return true
}

// RoundInfo is a read-only snapshot of a round.
type RoundInfo struct {
	BlockHash  string         `json:"block_hash"`
	Height     uint64         `json:"height"`
	View       uint64         `json:"view"`
	Proposer   types.NodeID   `json:"proposer,omitempty"`
	Status     string         `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	PreVotes   []types.NodeID `json:"pre_votes"`
	PreCommits []types.NodeID `json:"pre_commits"`
	Commits    []types.NodeID `json:"commits"`
	TxCount    int            `json:"tx_count"`
}

// Info returns a snapshot of the round.
func (r *Round) Info() RoundInfo {
	info := RoundInfo{
		BlockHash:  hex.EncodeToString(r.BlockHash),
		Height:     r.Height,
		View:       r.View,
		Proposer:   r.Proposer,
		Status:     r.Status.String(),
		StartTime:  r.StartTime,
		PreVotes:   voters(r.PreVotes),
		PreCommits: voters(r.PreCommits),
		Commits:    voters(r.Commits),
	}
	if r.Block != nil {
		info.TxCount = len(r.Block.Transactions)
	}
	return info
}

func voters(votes map[types.NodeID][]byte) []types.NodeID {
	out := make([]types.NodeID, 0, len(votes))
	for id := range votes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
