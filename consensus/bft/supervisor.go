package bft

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/types"
)

// CheckTimeouts fails rounds that outlived BlockProposalTimeout and starts a
// view change for failed rounds older than ViewChangeTimeout. The view moves
// by at most one per call, and each round triggers at most one view change.
// Terminal rounds beyond MaxTerminalRounds are evicted, lowest height first.
func (c *Coordinator) CheckTimeouts(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := c.clock.Now()

	var failed []string
	var changeView bool

	c.mu.Lock()
	for key, round := range c.rounds {
		age := now.Sub(round.StartTime)
		if age > c.config.BlockProposalTimeout && round.Fail() {
			failed = append(failed, key)
		}
		if round.Status == StatusFailed && !round.viewChangeSent && age > c.config.ViewChangeTimeout {
			round.viewChangeSent = true
			changeView = true
		}
	}

	var newView uint64
	if changeView {
		c.view++
		newView = c.view
	}
	evicted := c.evictTerminalRounds()
	targets := c.validators.IDs()
	tracked := len(c.rounds)
	c.mu.Unlock()

	for _, key := range failed {
		c.metrics.FailConsensusRound(key)
		c.logger.Warn("Round timed out", zap.String("hash", key))
	}
	if evicted > 0 {
		c.logger.Debug("Evicted terminal rounds", zap.Int("count", evicted))
	}
	c.metrics.SetRoundsTracked(tracked)

	if !changeView {
		return
	}

	reason := fmt.Sprintf("round timeout after %s", c.config.ViewChangeTimeout)
	msg := &types.ViewChange{NewView: newView, Reason: reason}
	if c.signer != nil {
		sig, err := c.signer.Sign(types.ViewChangeSignBytes(newView, reason))
		if err != nil {
			c.logger.Error("Failed to sign view change", zap.Error(err))
		} else {
			msg.Signature = sig
		}
	}

	c.metrics.IncrementViewChanges()
	c.metrics.SetCurrentView(newView)
	c.logger.Info("Starting view change", zap.Uint64("new_view", newView), zap.Int("validators", len(targets)))
	c.broadcast(targets, msg)
}

// evictTerminalRounds must be called with c.mu held.
func (c *Coordinator) evictTerminalRounds() int {
	type entry struct {
		key    string
		height uint64
	}
	var terminal []entry
	for key, round := range c.rounds {
		if round.Status.Terminal() {
			terminal = append(terminal, entry{key: key, height: round.Height})
		}
	}
	excess := len(terminal) - c.config.MaxTerminalRounds
	if excess <= 0 {
		return 0
	}

	sort.Slice(terminal, func(i, j int) bool {
		if terminal[i].height != terminal[j].height {
			return terminal[i].height < terminal[j].height
		}
		return terminal[i].key < terminal[j].key
	})
	for _, e := range terminal[:excess] {
		delete(c.rounds, e.key)
	}
	return excess
}

// SendHeartbeat sends the current view and height to every other validator.
func (c *Coordinator) SendHeartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	c.mu.RLock()
	hb := &types.Heartbeat{
		View:      c.view,
		Height:    c.height,
		Timestamp: uint64(c.clock.Now().Unix()),
	}
	targets := make([]types.NodeID, 0, c.validators.Size())
	for _, id := range c.validators.IDs() {
		if id != c.config.NodeID {
			targets = append(targets, id)
		}
	}
	c.mu.RUnlock()

	c.broadcast(targets, hb)
}

// Sweep prunes expired blacklist entries and stale evidence, and compacts
// the equivocation history.
func (c *Coordinator) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats := c.ledger.Sweep()

	c.metrics.SetBlacklisted(len(c.ledger.Blacklisted()))
	c.metrics.SetPendingEvidence(len(c.ledger.Pending()))

	if stats.ExpiredBlacklist > 0 || stats.ExpiredPending > 0 || stats.CompactedEntries > 0 {
		c.logger.Info("Swept evidence ledger",
			zap.Int("expired_blacklist", stats.ExpiredBlacklist),
			zap.Int("expired_pending", stats.ExpiredPending),
			zap.Int("compacted", stats.CompactedEntries))
	}
}
