package bft

import (
	"fmt"
	"time"

	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

// Config configures the consensus coordinator.
type Config struct {
	// 노드 ID
	NodeID types.NodeID

	// MinConfirmations and ConfirmationTimeout are reported in status output.
	// Finality is governed by the 2f+1 quorum alone.
	MinConfirmations    int
	ConfirmationTimeout time.Duration

	// MaxByzantineNodes is f; every quorum is 2f+1.
	MaxByzantineNodes int

	// 라운드 타임아웃 (10초)
	BlockProposalTimeout time.Duration

	// 뷰 체인지 타임아웃 (15초)
	ViewChangeTimeout time.Duration

	// BatchSize bounds block size at BatchSize × 10 transactions.
	BatchSize int

	HeartbeatInterval    time.Duration
	TimeoutCheckInterval time.Duration
	SweepInterval        time.Duration

	// MaxTerminalRounds is how many finalized or failed rounds are retained.
	MaxTerminalRounds int

	// OutboundBuffer is the capacity of the outbound channel.
	OutboundBuffer int

	// DefaultStake is assigned to validators registered without a stake.
	DefaultStake uint64

	Slashing SlashPolicy
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig(nodeID types.NodeID) Config {
	return Config{
		NodeID:               nodeID,
		MinConfirmations:     2,
		ConfirmationTimeout:  5 * time.Second,
		MaxByzantineNodes:    1,
		BlockProposalTimeout: 10 * time.Second,
		ViewChangeTimeout:    15 * time.Second,
		BatchSize:            100,
		HeartbeatInterval:    30 * time.Second,
		TimeoutCheckInterval: time.Second,
		SweepInterval:        60 * time.Second,
		MaxTerminalRounds:    100,
		OutboundBuffer:       1024,
		DefaultStake:         100_000_000_000,
		Slashing:             DefaultSlashPolicy(),
	}
}

// Quorum returns 2f+1.
func (c Config) Quorum() int {
	return types.QuorumSize(c.MaxByzantineNodes)
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.MaxByzantineNodes < 0 {
		return ErrNegativeByzantine
	}
	if c.BlockProposalTimeout <= 0 || c.ViewChangeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.HeartbeatInterval <= 0 || c.TimeoutCheckInterval <= 0 || c.SweepInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.MaxTerminalRounds <= 0 {
		return ErrInvalidRoundLimit
	}
	return c.Slashing.Validate()
}

type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyNodeID       = configError("node ID is required")
	ErrNegativeByzantine = configError("max byzantine nodes must not be negative")
	ErrInvalidTimeout    = configError("round and view change timeouts must be positive")
	ErrInvalidInterval   = configError("heartbeat, timeout check and sweep intervals must be positive")
	ErrInvalidBatchSize  = configError("batch size must be positive")
	ErrInvalidRoundLimit = configError("max terminal rounds must be positive")
	ErrInvalidSlashing   = configError("slash percentages must be within [0, 1]")
)

// SlashPolicy maps fault severity to the share of stake slashed.
type SlashPolicy struct {
	Percentages map[evidence.FaultType]float64

	// RemovalThreshold is the percentage at or above which a slashed validator
	// is removed from the active set and blacklisted.
	RemovalThreshold float64
}

// DefaultSlashPolicy returns the default severity table.
func DefaultSlashPolicy() SlashPolicy {
	return SlashPolicy{
		Percentages: map[evidence.FaultType]float64{
			evidence.DoubleSigning:         0.20,
			evidence.VoteWithholding:       0.15,
			evidence.BlockWithholding:      0.10,
			evidence.InvalidBlockProposal:  0.05,
			evidence.DelayedMessages:       0.03,
			evidence.InconsistentVotes:     0.08,
			evidence.MalformedMessages:     0.02,
			evidence.SpuriousViewChanges:   0.06,
			evidence.InvalidTransactions:   0.03,
			evidence.SelectiveTransmission: 0.04,
			evidence.SybilAttempt:          0.25,
			evidence.EclipseAttempt:        0.20,
			evidence.DoubleProposal:        0.10,
			evidence.NetworkDivision:       0.02,
			evidence.ConsensusDelay:        0.01,
			evidence.LongRangeAttack:       0.30,
			evidence.ReplayAttack:          0.05,
		},
		RemovalThreshold: 0.20,
	}
}

// Percentage returns the slash share for faultType, zero when unlisted.
func (p SlashPolicy) Percentage(faultType evidence.FaultType) float64 {
	return p.Percentages[faultType]
}

// Removes reports whether a slash for faultType removes the validator.
func (p SlashPolicy) Removes(faultType evidence.FaultType) bool {
	pct := p.Percentage(faultType)
	return pct > 0 && pct >= p.RemovalThreshold
}

// Validate validates the policy.
func (p SlashPolicy) Validate() error {
	for f, pct := range p.Percentages {
		if pct < 0 || pct > 1 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidSlashing, f, pct)
		}
	}
	if p.RemovalThreshold < 0 || p.RemovalThreshold > 1 {
		return fmt.Errorf("%w: removal threshold %v", ErrInvalidSlashing, p.RemovalThreshold)
	}
	return nil
}
