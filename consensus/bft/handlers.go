package bft

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

// HandleMessage processes one inbound message. A returned error means the
// message was dropped; protocol violations are also reported as evidence.
func (c *Coordinator) HandleMessage(ctx context.Context, in types.Inbound) error {
	if in.Msg == nil {
		return ErrNilMessage
	}
	startTime := time.Now()
	msgType := in.Msg.Type().String()
	defer func() {
		c.metrics.IncrementMessagesReceived(msgType)
		c.metrics.RecordMessageProcessingTime(msgType, time.Since(startTime))
	}()

	if c.ledger.IsBlacklisted(in.From) {
		c.metrics.IncrementMessagesDropped("blacklisted")
		return fmt.Errorf("%w: %s", ErrBlacklistedSender, in.From)
	}

	// 검증자 집합에 없는 노드의 메시지는 처리하지 않음
	pubKey, member := c.validatorKey(in.From)
	if !member {
		return c.dropNonValidator(in.From, in.Msg.Type())
	}

	switch m := in.Msg.(type) {
	case *types.Propose:
		return c.handlePropose(ctx, in.From, m)
	case *types.PreVote:
		return c.handleVote(ctx, in.From, pubKey, types.PreVoteType, m.BlockHash, m.Height, m.Signature)
	case *types.PreCommit:
		return c.handleVote(ctx, in.From, pubKey, types.PreCommitType, m.BlockHash, m.Height, m.Signature)
	case *types.Commit:
		return c.handleVote(ctx, in.From, pubKey, types.CommitType, m.BlockHash, m.Height, m.Signature)
	case *types.Heartbeat:
		return c.handleHeartbeat(ctx, in.From, m)
	case *types.ViewChange:
		return c.handleViewChange(ctx, in.From, pubKey, m)
	default:
		return fmt.Errorf("unknown message type %s", in.Msg.Type())
	}
}

// validatorKey returns the registered key of id and whether id is an active validator.
func (c *Coordinator) validatorKey(id types.NodeID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := c.validators.GetByID(id)
	if v == nil {
		return nil, false
	}
	return v.PubKey, true
}

func (c *Coordinator) dropNonValidator(from types.NodeID, t types.MessageType) error {
	c.metrics.IncrementMessagesDropped("unknown_validator")
	c.logger.Warn("Dropping message from non-validator",
		zap.String("from", from.String()),
		zap.Stringer("type", t))
	return fmt.Errorf("%w: %s from %s", ErrUnknownValidator, t, from)
}

// handlePropose - 제안 검증 후 라운드 생성
func (c *Coordinator) handlePropose(ctx context.Context, from types.NodeID, m *types.Propose) error {
	c.logger.Debug("Received proposal", zap.String("from", from.String()), zap.Uint64("height", m.Height))

	if !bytes.Equal(crypto.Hash(m.BlockBytes), m.BlockHash) {
		c.reportMalformed(ctx, from, m.BlockHash, "proposal hash does not match block bytes")
		return ErrBlockHashMismatch
	}

	block, err := types.DecodeBlock(m.BlockBytes)
	if err != nil {
		c.reportMalformed(ctx, from, m.BlockHash, "undecodable block")
		return fmt.Errorf("failed to decode proposed block: %w", err)
	}
	if block.Header.Height != m.Height {
		c.reportMalformed(ctx, from, m.BlockHash, "proposal height does not match block height")
		return fmt.Errorf("%w: %d != %d", ErrHeightMismatch, m.Height, block.Header.Height)
	}

	res, err := c.ledger.CheckProposal(ctx, from, m.Height, m.BlockHash)
	if err != nil && !errors.Is(err, evidence.ErrUnknownValidator) {
		c.logger.Warn("Failed to check proposal", zap.Error(err))
	}
	if res != nil {
		c.metrics.IncrementFaultReports(evidence.DoubleProposal.String())
		c.handleResult(ctx, res)
		return fmt.Errorf("%w %d from %s", ErrDoubleProposal, m.Height, from)
	}

	if !c.CheckBlock(ctx, block, from) {
		return ErrInvalidBlock
	}

	key := hex.EncodeToString(m.BlockHash)
	c.mu.Lock()
	round, exists := c.rounds[key]
	if !exists {
		round = NewRound(m.BlockHash, m.Height, c.view, c.clock.Now())
		round.Status = StatusProposed
		c.rounds[key] = round
	} else {
		round.MarkProposed()
	}
	round.Proposer = from
	round.Block = block
	if m.Height > c.height {
		c.height = m.Height
	}
	height := c.height
	tracked := len(c.rounds)
	c.mu.Unlock()

	if !exists {
		c.metrics.StartConsensusRound(key)
	}
	c.metrics.SetBlockHeight(height)
	c.metrics.SetRoundsTracked(tracked)

	c.logger.Info("Accepted proposal",
		zap.String("proposer", from.String()),
		zap.Uint64("height", m.Height),
		zap.String("hash", key))

	c.castVote(types.PreVoteType, m.BlockHash, m.Height)
	return nil
}

// handleVote counts a vote from a validator. A validator with a registered key
// must sign the vote.
func (c *Coordinator) handleVote(ctx context.Context, from types.NodeID, pubKey []byte, t types.MessageType, hash []byte, height uint64, sig []byte) error {
	key := hex.EncodeToString(hash)

	c.mu.RLock()
	_, known := c.rounds[key]
	view := c.view
	c.mu.RUnlock()

	if !known {
		c.metrics.IncrementMessagesDropped("unknown_round")
		return fmt.Errorf("%w %s (%s from %s)", ErrUnknownRound, key, t, from)
	}

	if len(pubKey) > 0 && !crypto.Verify(pubKey, types.VoteSignBytes(t, hash, height), sig) {
		c.reportMalformed(ctx, from, append(append([]byte(nil), hash...), sig...), fmt.Sprintf("invalid %s signature", t))
		return fmt.Errorf("%w: %s from %s", ErrInvalidSignature, t, from)
	}

	if t == types.PreVoteType || t == types.PreCommitType {
		res, err := c.ledger.CheckEquivocation(ctx, from, view, height, hash)
		if err != nil && !errors.Is(err, evidence.ErrUnknownValidator) {
			c.logger.Warn("Failed to check equivocation", zap.Error(err))
		}
		if res != nil {
			c.metrics.IncrementFaultReports(evidence.DoubleSigning.String())
			c.handleResult(ctx, res)
			return fmt.Errorf("%w: %s from %s at height %d", ErrEquivocation, t, from, height)
		}
	}

	c.mu.Lock()
	// 서명 검증 이후 슬래싱으로 제거되었을 수 있음
	if !c.validators.Contains(from) {
		c.mu.Unlock()
		return c.dropNonValidator(from, t)
	}
	round, ok := c.rounds[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w %s", ErrUnknownRound, key)
	}
	if !round.AddVote(t, from, sig) {
		c.mu.Unlock()
		return nil
	}
	entered := round.Advance(c.config.Quorum())
	block := round.Block
	c.mu.Unlock()

	for _, status := range entered {
		c.logger.Info("Round advanced",
			zap.String("hash", key),
			zap.Uint64("height", height),
			zap.Stringer("status", status))

		switch status {
		case StatusPreCommitted:
			c.castVote(types.PreCommitType, hash, height)
		case StatusCommitted:
			c.castVote(types.CommitType, hash, height)
		case StatusFinalized:
			c.finalize(key, block)
		}
	}
	return nil
}

func (c *Coordinator) finalize(key string, block *types.Block) {
	c.metrics.EndConsensusRound(key)
	if block == nil {
		return
	}
	c.metrics.AddTransactions(len(block.Transactions))
	if c.store == nil {
		return
	}
	if err := c.store.SaveBlock(block); err != nil {
		c.logger.Error("Failed to persist finalized block", zap.Uint64("height", block.Header.Height), zap.Error(err))
	}
}

// castVote broadcasts the local node's vote when it is a validator with a signer.
func (c *Coordinator) castVote(t types.MessageType, hash []byte, height uint64) {
	if c.signer == nil {
		return
	}

	c.mu.RLock()
	member := c.validators.Contains(c.config.NodeID)
	targets := c.validators.IDs()
	c.mu.RUnlock()
	if !member {
		return
	}

	sig, err := c.signer.Sign(types.VoteSignBytes(t, hash, height))
	if err != nil {
		c.logger.Error("Failed to sign vote", zap.Stringer("type", t), zap.Error(err))
		return
	}

	var msg types.Message
	switch t {
	case types.PreVoteType:
		msg = &types.PreVote{BlockHash: hash, Height: height, Signature: sig}
	case types.PreCommitType:
		msg = &types.PreCommit{BlockHash: hash, Height: height, Signature: sig}
	case types.CommitType:
		msg = &types.Commit{BlockHash: hash, Height: height, Signature: sig}
	default:
		return
	}
	c.broadcast(targets, msg)
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, from types.NodeID, m *types.Heartbeat) error {
	c.mu.Lock()
	c.heartbeats[from] = c.clock.Now()
	c.mu.Unlock()

	sentAt := time.Unix(int64(m.Timestamp), 0)
	res, err := c.ledger.CheckMessageDelay(ctx, from, sentAt)
	if err != nil && !errors.Is(err, evidence.ErrUnknownValidator) {
		c.logger.Warn("Failed to check heartbeat delay", zap.Error(err))
	}
	if res != nil {
		c.metrics.IncrementFaultReports(evidence.DelayedMessages.String())
		c.handleResult(ctx, res)
	}
	return nil
}

// handleViewChange adopts any higher view without waiting for a quorum of
// view-change messages, so a single validator can advance the view.
func (c *Coordinator) handleViewChange(ctx context.Context, from types.NodeID, pubKey []byte, m *types.ViewChange) error {
	if len(pubKey) > 0 && !crypto.Verify(pubKey, types.ViewChangeSignBytes(m.NewView, m.Reason), m.Signature) {
		c.reportMalformed(ctx, from, m.Signature, "invalid view change signature")
		return fmt.Errorf("%w: view change from %s", ErrInvalidSignature, from)
	}

	c.mu.Lock()
	if m.NewView <= c.view {
		c.mu.Unlock()
		return nil
	}
	old := c.view
	c.view = m.NewView
	c.mu.Unlock()

	c.metrics.IncrementViewChanges()
	c.metrics.SetCurrentView(m.NewView)
	c.logger.Info("View changed",
		zap.String("from", from.String()),
		zap.Uint64("old_view", old),
		zap.Uint64("new_view", m.NewView),
		zap.String("reason", m.Reason))
	return nil
}

func (c *Coordinator) reportMalformed(ctx context.Context, from types.NodeID, data []byte, description string) {
	_, _ = c.ReportFault(ctx, evidence.Report{
		FaultType:   evidence.MalformedMessages,
		Accused:     from,
		Reporter:    c.config.NodeID,
		Data:        data,
		Description: description,
	})
}
