package bft

import (
	"context"
	"fmt"
	"math"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/reputation"
	"github.com/ahwlsqja/bftguard/types"
)

// EvidenceReputationDelta is the score change for each verified evidence record.
const EvidenceReputationDelta = -10.0

// SlashKind tells severity slashes from fault-threshold penalties.
type SlashKind string

const (
	// SlashSeverity is a stake share taken per verified fault.
	SlashSeverity SlashKind = "severity"
	// SlashThreshold is the fixed penalty due when the fault history reaches the threshold.
	SlashThreshold SlashKind = "threshold"
)

// SlashEvent records one stake reduction.
type SlashEvent struct {
	NodeID      types.NodeID       `json:"node_id"`
	FaultType   evidence.FaultType `json:"fault_type"`
	Kind        SlashKind          `json:"kind"`
	Percentage  float64            `json:"percentage,omitempty"`
	Amount      uint64             `json:"amount"`
	StakeBefore uint64             `json:"stake_before"`
	StakeAfter  uint64             `json:"stake_after"`
	Removed     bool               `json:"removed"`
	Timestamp   time.Time          `json:"timestamp"`
}

// CheckBlock reports whether block from proposer may be voted on. Blacklisted
// proposers are rejected before any validation. A structural failure is
// reported as InvalidBlockProposal and a transaction failure as
// InvalidTransactions.
func (c *Coordinator) CheckBlock(ctx context.Context, block *types.Block, proposer types.NodeID) bool {
	if c.ledger.IsBlacklisted(proposer) {
		c.logger.Warn("Rejecting block from blacklisted proposer", zap.String("proposer", proposer.String()))
		return false
	}
	if block == nil {
		return false
	}

	c.mu.RLock()
	localHeight := c.height
	c.mu.RUnlock()

	start := time.Now()
	defer func() {
		c.metrics.RecordBlockValidationTime(time.Since(start))
	}()

	hash := block.Hash()
	if err := c.validator.ValidateStructure(block, localHeight, c.clock.Now()); err != nil {
		c.logger.Warn("Invalid block structure",
			zap.String("proposer", proposer.String()),
			zap.Uint64("height", block.Header.Height),
			zap.Error(err))
		c.reportBlockFault(ctx, evidence.InvalidBlockProposal, proposer, hash, err)
		return false
	}

	if err := c.validator.ValidateTransactions(block); err != nil {
		c.logger.Warn("Invalid block transactions",
			zap.String("proposer", proposer.String()),
			zap.Uint64("height", block.Header.Height),
			zap.Error(err))
		c.reportBlockFault(ctx, evidence.InvalidTransactions, proposer, hash, err)
		return false
	}

	return true
}

func (c *Coordinator) reportBlockFault(ctx context.Context, faultType evidence.FaultType, proposer types.NodeID, hash []byte, cause error) {
	_, _ = c.ReportFault(ctx, evidence.Report{
		FaultType:     faultType,
		Accused:       proposer,
		Reporter:      c.config.NodeID,
		RelatedBlocks: [][]byte{hash},
		Data:          hash,
		Description:   cause.Error(),
	})
}

// ReportFault records a fault report in the evidence ledger and applies the
// consequences of newly verified evidence. Reports against unknown validators
// are ignored by the ledger.
func (c *Coordinator) ReportFault(ctx context.Context, r evidence.Report) (*evidence.Result, error) {
	if r.Reporter == "" {
		r.Reporter = c.config.NodeID
	}
	c.metrics.IncrementFaultReports(r.FaultType.String())

	res, err := c.ledger.ReportFault(ctx, r)
	if err != nil {
		c.logger.Debug("Fault report not recorded",
			zap.String("node", r.Accused.String()),
			zap.Stringer("fault", r.FaultType),
			zap.Error(err))
		return nil, err
	}
	c.handleResult(ctx, res)
	return res, nil
}

// handleResult - 검증된 증거에 대한 평판/슬래싱 처리
func (c *Coordinator) handleResult(ctx context.Context, res *evidence.Result) {
	if res == nil || !res.Verified {
		return
	}
	ev := res.Evidence
	c.metrics.IncrementVerifiedEvidence(ev.FaultType.String())

	if err := c.reputation.UpdateScore(ctx, ev.NodeID, 0, reputation.ByzantineBehavior, EvidenceReputationDelta); err != nil {
		c.logger.Warn("Failed to update reputation", zap.String("node", ev.NodeID.String()), zap.Error(err))
	}

	if c.ledger.Config().EnableSlashing && c.config.Slashing.Percentage(ev.FaultType) > 0 {
		if _, err := c.ApplyPenalty(ctx, ev.NodeID, ev.FaultType); err != nil {
			c.logger.Warn("Failed to apply penalty",
				zap.String("node", ev.NodeID.String()),
				zap.Stringer("fault", ev.FaultType),
				zap.Error(err))
		}
	}

	if res.Penalty != nil {
		c.applyThresholdPenalty(res.Penalty)
	}
	if res.Blacklisted {
		c.metrics.SetBlacklisted(len(c.ledger.Blacklisted()))
	}
}

// ApplyPenalty slashes node's stake by the policy share for faultType. A share
// at or above the removal threshold also removes the validator from the
// active set and blacklists it, under the coordinator lock.
func (c *Coordinator) ApplyPenalty(ctx context.Context, node types.NodeID, faultType evidence.FaultType) (*SlashEvent, error) {
	pct := c.config.Slashing.Percentage(faultType)

	c.mu.Lock()
	v := c.validators.GetByID(node)
	if v == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, node)
	}

	amount := uint64(math.Round(float64(v.Stake) * pct))
	if amount > v.Stake {
		amount = v.Stake
	}
	ev := SlashEvent{
		NodeID:      node,
		FaultType:   faultType,
		Kind:        SlashSeverity,
		Percentage:  pct,
		Amount:      amount,
		StakeBefore: v.Stake,
		StakeAfter:  v.Stake - amount,
		Timestamp:   c.clock.Now(),
	}
	v.Stake = ev.StakeAfter

	if c.config.Slashing.Removes(faultType) {
		c.validators.Remove(node)
		c.ledger.UntrackValidator(node)
		c.ledger.Blacklist(node)
		ev.Removed = true
	}
	c.appendSlashEvent(ev)
	remaining := c.validators.Size()
	c.mu.Unlock()

	c.recordSlash(ev)
	if ev.Removed {
		c.metrics.SetValidators(remaining)
		c.metrics.SetBlacklisted(len(c.ledger.Blacklisted()))
		c.logger.Warn("Validator removed after slashing",
			zap.String("node", node.String()),
			zap.Stringer("fault", faultType),
			zap.Float64("percentage", pct))
	}

	if err := c.reputation.UpdateScore(ctx, node, 0, reputation.Slashed, -(pct * 100)); err != nil {
		c.logger.Warn("Failed to update reputation", zap.String("node", node.String()), zap.Error(err))
	}
	return &ev, nil
}

// applyThresholdPenalty deducts the fixed threshold penalty. The node is
// already blacklisted by the ledger; it stays in the validator set.
func (c *Coordinator) applyThresholdPenalty(p *evidence.ThresholdPenalty) {
	c.mu.Lock()
	v := c.validators.GetByID(p.NodeID)
	if v == nil {
		c.mu.Unlock()
		return
	}
	amount := p.Amount
	if amount > v.Stake {
		amount = v.Stake
	}
	ev := SlashEvent{
		NodeID:      p.NodeID,
		FaultType:   p.FaultType,
		Kind:        SlashThreshold,
		Amount:      amount,
		StakeBefore: v.Stake,
		StakeAfter:  v.Stake - amount,
		Timestamp:   c.clock.Now(),
	}
	v.Stake = ev.StakeAfter
	c.appendSlashEvent(ev)
	c.mu.Unlock()

	c.recordSlash(ev)
}

// appendSlashEvent must be called with c.mu held.
func (c *Coordinator) appendSlashEvent(ev SlashEvent) {
	c.slashEvents = append(c.slashEvents, ev)
	if n := len(c.slashEvents); n > MaxSlashEvents {
		c.slashEvents = append([]SlashEvent(nil), c.slashEvents[n-MaxSlashEvents:]...)
	}
}

func (c *Coordinator) recordSlash(ev SlashEvent) {
	c.metrics.RecordSlash(ev.FaultType.String(), string(ev.Kind), ev.Amount)
	c.logger.Info("Validator slashed",
		zap.String("node", ev.NodeID.String()),
		zap.Stringer("fault", ev.FaultType),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("amount", ev.Amount),
		zap.Uint64("stake", ev.StakeAfter))

	if c.store == nil {
		return
	}
	if err := c.store.SaveSlashEvent(ev); err != nil {
		c.logger.Error("Failed to persist slash event", zap.Error(err))
	}
}

// ApplyValidatorUpdates applies governance updates in ABCI form. Power 0
// removes the validator with that key; any other power adds or updates it.
// Only ed25519 keys are accepted.
func (c *Coordinator) ApplyValidatorUpdates(updates []abci.ValidatorUpdate) error {
	for i, update := range updates {
		pubKey := update.PubKey.GetEd25519()
		if len(pubKey) != crypto.PubKeySize {
			return fmt.Errorf("%w: update %d has no ed25519 key", ErrInvalidValidator, i)
		}
		if update.Power < 0 {
			return fmt.Errorf("%w: update %d has negative power", ErrInvalidValidator, i)
		}
	}

	for _, update := range updates {
		pubKey := update.PubKey.GetEd25519()

		c.mu.RLock()
		existing := c.validators.GetByPubKey(pubKey)
		var current types.Validator
		if existing != nil {
			current = *existing
		}
		c.mu.RUnlock()

		if update.Power == 0 {
			if existing != nil {
				c.RemoveValidator(current.ID)
			}
			continue
		}

		if existing == nil {
			current = types.Validator{ID: types.NodeID(crypto.ValidatorID(pubKey)), PubKey: pubKey}
		}
		current.Power = update.Power
		if err := c.RegisterValidator(current); err != nil {
			return err
		}
	}
	return nil
}
