package bft

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/reputation"
	"github.com/ahwlsqja/bftguard/types"
)

func TestFourValidatorRound(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, harnessOptions{store: store})
	prop := h.propose(t, "A", 5, "h0")
	hash := prop.BlockHash

	require.NoError(t, h.handle(t, "A", prop))
	require.Equal(t, StatusProposed, h.status(t, hash))
	require.Equal(t, uint64(5), h.coord.CurrentHeight())

	phases := []struct {
		vote  types.MessageType
		after Status
	}{
		{types.PreVoteType, StatusPreCommitted},
		{types.PreCommitType, StatusCommitted},
		{types.CommitType, StatusFinalized},
	}

	before := StatusProposed
	for _, phase := range phases {
		for i, from := range []types.NodeID{"B", "C", "D"} {
			require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, phase.vote, hash, 5)))
			if i < 2 {
				require.Equal(t, before, h.status(t, hash), "%s vote %d", phase.vote, i+1)
			}
		}
		require.Equal(t, phase.after, h.status(t, hash))
		before = phase.after
	}

	info, ok := h.coord.Round(hash)
	require.True(t, ok)
	require.Equal(t, types.NodeID("A"), info.Proposer)
	require.Equal(t, []types.NodeID{"B", "C", "D"}, info.Commits)
	require.Equal(t, 1, info.TxCount)

	require.Len(t, store.blocks, 1)
	require.Equal(t, uint64(5), store.blocks[0].Header.Height)
}

func TestFinalizedRequiresQuorum(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	for _, mt := range []types.MessageType{types.PreVoteType, types.PreCommitType} {
		for _, from := range []types.NodeID{"B", "C", "D"} {
			require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, mt, prop.BlockHash, 5)))
		}
	}
	for _, from := range []types.NodeID{"B", "C"} {
		require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, types.CommitType, prop.BlockHash, 5)))
	}
	// 같은 노드의 중복 커밋은 쿼럼에 포함되지 않는다
	require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.CommitType, prop.BlockHash, 5)))
	require.Equal(t, StatusCommitted, h.status(t, prop.BlockHash))

	require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, "D", types.CommitType, prop.BlockHash, 5)))
	require.Equal(t, StatusFinalized, h.status(t, prop.BlockHash))
}

func TestPreVotesAnyOrderPreCommitOnce(t *testing.T) {
	orders := [][]types.NodeID{
		{"A", "C", "D"},
		{"D", "C", "A"},
		{"C", "C", "A", "A", "D"},
		{"D", "A", "D", "C", "C"},
	}

	for _, order := range orders {
		h := newHarness(t, harnessOptions{signer: true})
		prop := h.propose(t, "A", 5, "h0")
		require.NoError(t, h.handle(t, "A", prop))

		// B의 pre-vote 브로드캐스트
		require.Len(t, ofType(drain(h.coord), types.PreVoteType), 4)

		for _, from := range order {
			require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, types.PreVoteType, prop.BlockHash, 5)))
		}
		require.Equal(t, StatusPreCommitted, h.status(t, prop.BlockHash), "order %v", order)

		precommits := ofType(drain(h.coord), types.PreCommitType)
		require.Len(t, precommits, 4, "order %v", order)
		require.ElementsMatch(t, validatorIDs, recipients(precommits))

		info, _ := h.coord.Round(prop.BlockHash)
		require.Equal(t, []types.NodeID{"A", "C", "D"}, info.PreVotes)
	}
}

func TestSignedVotesDriveFinality(t *testing.T) {
	h := newHarness(t, harnessOptions{signer: true})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	// B의 자기 투표는 라우터를 통해 다시 들어온다
	deliverOwn := func() {
		for _, o := range drain(h.coord) {
			if o.To == "B" {
				require.NoError(t, h.coord.HandleMessage(context.Background(), types.Inbound{From: "B", Msg: o.Msg}))
			}
		}
	}

	deliverOwn()
	for _, mt := range []types.MessageType{types.PreVoteType, types.PreCommitType, types.CommitType} {
		for _, from := range []types.NodeID{"C", "D"} {
			require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, mt, prop.BlockHash, 5)))
		}
		deliverOwn()
	}
	require.Equal(t, StatusFinalized, h.status(t, prop.BlockHash))
}

func TestVoteForUnknownRoundDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	err := h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.PreVoteType, []byte("missing"), 5))
	require.ErrorIs(t, err, ErrUnknownRound)
	require.Empty(t, h.coord.Rounds())
}

func TestInvalidVoteSignature(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	forged := h.vote(t, "D", types.PreVoteType, prop.BlockHash, 5)
	forged.From = "C"
	err := h.coord.HandleMessage(context.Background(), forged)
	require.ErrorIs(t, err, ErrInvalidSignature)

	info, _ := h.coord.Round(prop.BlockHash)
	require.Empty(t, info.PreVotes)
	require.Equal(t, 1, h.ledger.FaultCount("C"))
	require.Equal(t, evidence.MalformedMessages, h.ledger.Faults("C")[0].FaultType)
}

func TestRoundTimeoutStartsViewChange(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 6, "h1")
	require.NoError(t, h.handle(t, "A", prop))
	require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.PreVoteType, prop.BlockHash, 6)))
	drain(h.coord)

	h.clock.Advance(11 * time.Second)
	h.coord.CheckTimeouts(context.Background())
	require.Equal(t, StatusFailed, h.status(t, prop.BlockHash))
	require.Empty(t, ofType(drain(h.coord), types.ViewChangeType))
	require.Equal(t, uint64(0), h.coord.CurrentView())

	h.clock.Advance(5 * time.Second)
	h.coord.CheckTimeouts(context.Background())
	changes := ofType(drain(h.coord), types.ViewChangeType)
	require.Len(t, changes, 4)
	require.ElementsMatch(t, validatorIDs, recipients(changes))
	require.Equal(t, uint64(1), changes[0].Msg.(*types.ViewChange).NewView)
	require.Equal(t, uint64(1), h.coord.CurrentView())

	// 같은 라운드로 뷰가 다시 오르지 않는다
	h.clock.Advance(time.Second)
	h.coord.CheckTimeouts(context.Background())
	require.Empty(t, drain(h.coord))
	require.Equal(t, uint64(1), h.coord.CurrentView())
}

func TestViewChangeSigned(t *testing.T) {
	h := newHarness(t, harnessOptions{signer: true})
	_, err := h.coord.ProposeBlock(context.Background(), []byte("raw block"), 1)
	require.NoError(t, err)
	drain(h.coord)

	h.clock.Advance(16 * time.Second)
	h.coord.CheckTimeouts(context.Background())

	changes := ofType(drain(h.coord), types.ViewChangeType)
	require.Len(t, changes, 4)
	vc := changes[0].Msg.(*types.ViewChange)
	require.True(t, crypto.Verify(h.keys["B"].PublicKeyBytes(), types.ViewChangeSignBytes(vc.NewView, vc.Reason), vc.Signature))

	// 서명된 뷰 체인지는 다른 노드에서 그대로 채택된다
	peer := newHarness(t, harnessOptions{self: "C"})
	require.NoError(t, peer.handle(t, "B", vc))
	require.Equal(t, uint64(1), peer.coord.CurrentView())
}

func TestFinalizedRoundDoesNotTimeOut(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))
	for _, mt := range []types.MessageType{types.PreVoteType, types.PreCommitType, types.CommitType} {
		for _, from := range []types.NodeID{"B", "C", "D"} {
			require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, from, mt, prop.BlockHash, 5)))
		}
	}

	h.clock.Advance(time.Minute)
	h.coord.CheckTimeouts(context.Background())
	require.Equal(t, StatusFinalized, h.status(t, prop.BlockHash))
	require.Equal(t, uint64(0), h.coord.CurrentView())
}

func TestTerminalRoundEviction(t *testing.T) {
	h := newHarness(t, harnessOptions{config: func(c *Config) { c.MaxTerminalRounds = 2 }})

	var hashes [][]byte
	for height := uint64(1); height <= 4; height++ {
		hash, err := h.coord.ProposeBlock(context.Background(), []byte{byte(height)}, height)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	h.clock.Advance(11 * time.Second)
	h.coord.CheckTimeouts(context.Background())

	rounds := h.coord.Rounds()
	require.Len(t, rounds, 2)
	require.Equal(t, uint64(3), rounds[0].Height)
	require.Equal(t, uint64(4), rounds[1].Height)

	_, ok := h.coord.ConsensusStatus(hashes[0])
	require.False(t, ok)
}

func TestOptimisticViewChange(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	// 단일 메시지로 뷰를 채택한다 (쿼럼 없음)
	require.NoError(t, h.handle(t, "C", h.viewChange(t, "C", 7, "timeout")))
	require.Equal(t, uint64(7), h.coord.CurrentView())

	require.NoError(t, h.handle(t, "D", h.viewChange(t, "D", 3, "stale")))
	require.Equal(t, uint64(7), h.coord.CurrentView())
}

func TestUnsignedViewChangeRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	err := h.handle(t, "C", &types.ViewChange{NewView: 4, Reason: "timeout"})
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, uint64(0), h.coord.CurrentView())
}

func TestNonValidatorMessagesDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	outsiders := []types.NodeID{"X", "Y", "Z"}
	for _, from := range outsiders {
		err := h.handle(t, from, &types.PreVote{BlockHash: prop.BlockHash, Height: 5, Signature: []byte("junk")})
		require.ErrorIs(t, err, ErrUnknownValidator)
	}
	require.Equal(t, StatusProposed, h.status(t, prop.BlockHash))
	info, _ := h.coord.Round(prop.BlockHash)
	require.Empty(t, info.PreVotes)

	outsider := crypto.KeyPairFromSecret([]byte("validator-X"))
	sig, err := outsider.Sign(types.ViewChangeSignBytes(9, "timeout"))
	require.NoError(t, err)
	err = h.handle(t, "X", &types.ViewChange{NewView: 9, Reason: "timeout", Signature: sig})
	require.ErrorIs(t, err, ErrUnknownValidator)
	require.Equal(t, uint64(0), h.coord.CurrentView())

	err = h.handle(t, "X", &types.Heartbeat{Timestamp: uint64(h.clock.Now().Unix())})
	require.ErrorIs(t, err, ErrUnknownValidator)
	_, seen := h.coord.LastHeartbeat("X")
	require.False(t, seen)
}

func TestRemovedValidatorVoteDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{stake: 1000})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	ev, err := h.coord.ApplyPenalty(context.Background(), "D", evidence.DoubleSigning)
	require.NoError(t, err)
	require.True(t, ev.Removed)

	// 블랙리스트 만료 후에도 검증자 집합에 없으므로 투표는 집계되지 않는다
	h.clock.Advance(2 * time.Hour)
	require.False(t, h.ledger.IsBlacklisted("D"))

	err = h.handle(t, "D", &types.PreVote{BlockHash: prop.BlockHash, Height: 5, Signature: []byte("forged")})
	require.ErrorIs(t, err, ErrUnknownValidator)
	err = h.coord.HandleMessage(context.Background(), h.vote(t, "D", types.PreVoteType, prop.BlockHash, 5))
	require.ErrorIs(t, err, ErrUnknownValidator)

	info, _ := h.coord.Round(prop.BlockHash)
	require.Empty(t, info.PreVotes)
}

func TestUnsignedVoteFromKeyedValidatorRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))

	err := h.handle(t, "C", &types.PreVote{BlockHash: prop.BlockHash, Height: 5})
	require.ErrorIs(t, err, ErrInvalidSignature)
	info, _ := h.coord.Round(prop.BlockHash)
	require.Empty(t, info.PreVotes)
}

func TestViewChangeBadSignature(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sig, err := h.keys["D"].Sign(types.ViewChangeSignBytes(2, "timeout"))
	require.NoError(t, err)

	err = h.handle(t, "C", &types.ViewChange{NewView: 2, Reason: "timeout", Signature: sig})
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, uint64(0), h.coord.CurrentView())
}

func TestEquivocationReportsDoubleSigning(t *testing.T) {
	h := newHarness(t, harnessOptions{stake: 1000})

	first := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", first))
	second, err := h.coord.ProposeBlock(context.Background(), []byte("competing block"), 5)
	require.NoError(t, err)

	require.NoError(t, h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.PreVoteType, first.BlockHash, 5)))
	err = h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.PreVoteType, second, 5))
	require.ErrorIs(t, err, ErrEquivocation)

	faults := h.ledger.Faults("C")
	require.Len(t, faults, 1)
	require.Equal(t, evidence.DoubleSigning, faults[0].FaultType)
	require.True(t, bytes.Equal(append(append([]byte(nil), first.BlockHash...), second...), faults[0].Data))

	// 두 번째 투표는 집계되지 않는다
	info, _ := h.coord.Round(second)
	require.Empty(t, info.PreVotes)

	// 20% 슬래싱: 검증자 집합에서 제거 + 블랙리스트
	require.False(t, h.coord.IsValidator("C"))
	require.True(t, h.ledger.IsBlacklisted("C"))
	events := h.coord.SlashEvents()
	require.Len(t, events, 1)
	require.Equal(t, uint64(200), events[0].Amount)
	require.True(t, events[0].Removed)

	err = h.coord.HandleMessage(context.Background(), h.vote(t, "C", types.CommitType, first.BlockHash, 5))
	require.ErrorIs(t, err, ErrBlacklistedSender)
}

func TestDoubleProposalRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{evidence: func(c *evidence.Config) { c.EnableSlashing = false }})

	prop := h.propose(t, "A", 5, "h0")
	require.NoError(t, h.handle(t, "A", prop))
	require.NoError(t, h.handle(t, "A", prop))

	err := h.handle(t, "A", h.propose(t, "A", 5, "other parent"))
	require.ErrorIs(t, err, ErrDoubleProposal)
	require.Len(t, h.coord.Rounds(), 1)
	require.Equal(t, evidence.DoubleProposal, h.ledger.Faults("A")[0].FaultType)
}

func TestProposalHashMismatch(t *testing.T) {
	h := newHarness(t, harnessOptions{evidence: func(c *evidence.Config) { c.EnableSlashing = false }})
	prop := h.propose(t, "A", 5, "h0")
	prop.BlockHash = crypto.Hash([]byte("something else"))

	require.ErrorIs(t, h.handle(t, "A", prop), ErrBlockHashMismatch)
	require.Empty(t, h.coord.Rounds())
	require.Equal(t, evidence.MalformedMessages, h.ledger.Faults("A")[0].FaultType)

	prop = h.propose(t, "A", 5, "h0")
	prop.Height = 6
	require.ErrorIs(t, h.handle(t, "A", prop), ErrHeightMismatch)
}

type spyValidator struct {
	structureCalls int
	txCalls        int
}

func (s *spyValidator) ValidateStructure(*types.Block, uint64, time.Time) error {
	s.structureCalls++
	return nil
}

func (s *spyValidator) ValidateTransactions(*types.Block) error {
	s.txCalls++
	return nil
}

func TestBlacklistedProposerSkipsValidation(t *testing.T) {
	spy := &spyValidator{}
	h := newHarness(t, harnessOptions{validator: spy})
	h.ledger.Blacklist("A")

	require.False(t, h.coord.CheckBlock(context.Background(), h.block(t, "A", 5, "h0"), "A"))
	require.Zero(t, spy.structureCalls)
	require.Zero(t, spy.txCalls)

	err := h.handle(t, "A", h.propose(t, "A", 5, "h0"))
	require.ErrorIs(t, err, ErrBlacklistedSender)
	require.Empty(t, h.coord.Rounds())

	require.True(t, h.coord.CheckBlock(context.Background(), h.block(t, "C", 5, "h0"), "C"))
	require.Equal(t, 1, spy.structureCalls)
	require.Equal(t, 1, spy.txCalls)
}

func TestMerkleMismatchReportsOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{stake: 1000})

	block := h.block(t, "A", 5, "h0")
	block.Header.MerkleRoot = crypto.Hash([]byte("wrong root"))
	require.NoError(t, block.Sign(h.keys["A"]))

	require.False(t, h.coord.CheckBlock(context.Background(), block, "A"))

	faults := h.ledger.Faults("A")
	require.Len(t, faults, 1)
	require.Equal(t, evidence.InvalidBlockProposal, faults[0].FaultType)
	require.Equal(t, 0, h.ledger.FaultCount("B"))

	// 5% 슬래싱, 제거 없음
	events := h.coord.SlashEvents()
	require.Len(t, events, 1)
	require.Equal(t, uint64(50), events[0].Amount)
	require.False(t, events[0].Removed)
	require.True(t, h.coord.IsValidator("A"))
	require.InDelta(t, reputation.InitialScore-10-5, h.rep.Score("A"), 1e-9)
}

func TestInvalidTransactionsReported(t *testing.T) {
	h := newHarness(t, harnessOptions{evidence: func(c *evidence.Config) { c.EnableSlashing = false }})

	dup := h.tx(t, 3)
	block, err := types.BuildSignedBlock(5, []byte("h0"), h.keys["A"], []types.Transaction{dup, h.tx(t, 3)})
	require.NoError(t, err)

	require.False(t, h.coord.CheckBlock(context.Background(), block, "A"))
	require.Equal(t, evidence.InvalidTransactions, h.ledger.Faults("A")[0].FaultType)
}

func TestApplyPenalty(t *testing.T) {
	tests := []struct {
		name    string
		fault   evidence.FaultType
		amount  uint64
		removed bool
	}{
		{"long range attack", evidence.LongRangeAttack, 300, true},
		{"double signing", evidence.DoubleSigning, 200, true},
		{"vote withholding", evidence.VoteWithholding, 150, false},
		{"invalid block", evidence.InvalidBlockProposal, 50, false},
		{"consensus delay", evidence.ConsensusDelay, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{stake: 1000})

			ev, err := h.coord.ApplyPenalty(context.Background(), "D", tt.fault)
			require.NoError(t, err)
			require.Equal(t, tt.amount, ev.Amount)
			require.Equal(t, uint64(1000)-tt.amount, ev.StakeAfter)
			require.Equal(t, tt.removed, ev.Removed)
			require.Equal(t, !tt.removed, h.coord.IsValidator("D"))
			require.Equal(t, tt.removed, h.ledger.IsBlacklisted("D"))
			require.InDelta(t, reputation.InitialScore-h.coord.Config().Slashing.Percentage(tt.fault)*100, h.rep.Score("D"), 1e-9)
		})
	}
}

func TestApplyPenaltyUnknownValidator(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.coord.ApplyPenalty(context.Background(), "Z", evidence.DoubleSigning)
	require.ErrorIs(t, err, ErrUnknownValidator)
}

func TestReportFaultUnknownValidator(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.coord.ReportFault(context.Background(), evidence.Report{
		FaultType: evidence.ReplayAttack,
		Accused:   "Z",
		Data:      []byte("x"),
	})
	require.ErrorIs(t, err, evidence.ErrUnknownValidator)
}

func TestThresholdPenalty(t *testing.T) {
	h := newHarness(t, harnessOptions{
		stake: 100_000,
		evidence: func(c *evidence.Config) {
			c.FaultThreshold = 2
			c.PenaltyAmount = 1000
		},
		config: func(c *Config) { c.Slashing.Percentages = nil },
	})

	for i := 0; i < 2; i++ {
		res, err := h.coord.ReportFault(context.Background(), evidence.Report{
			FaultType: evidence.InvalidBlockProposal,
			Accused:   "C",
			Data:      []byte{byte(i)},
		})
		require.NoError(t, err)
		require.True(t, res.Verified)
	}

	require.True(t, h.ledger.IsBlacklisted("C"))
	events := h.coord.SlashEvents()
	require.Len(t, events, 1)
	require.Equal(t, SlashThreshold, events[0].Kind)
	require.Equal(t, uint64(3000), events[0].Amount)
	require.Equal(t, uint64(97_000), events[0].StakeAfter)
	require.True(t, h.coord.IsValidator("C"))
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, harnessOptions{evidence: func(c *evidence.Config) { c.EnableSlashing = false }})

	h.coord.SendHeartbeat(context.Background())
	beats := ofType(drain(h.coord), types.HeartbeatType)
	require.ElementsMatch(t, []types.NodeID{"A", "C", "D"}, recipients(beats))

	now := h.clock.Now()
	require.NoError(t, h.handle(t, "C", &types.Heartbeat{Timestamp: uint64(now.Unix())}))
	seen, ok := h.coord.LastHeartbeat("C")
	require.True(t, ok)
	require.Equal(t, now, seen)
	require.Zero(t, h.ledger.FaultCount("C"))

	require.NoError(t, h.handle(t, "D", &types.Heartbeat{Timestamp: uint64(now.Add(-time.Minute).Unix())}))
	require.Equal(t, evidence.DelayedMessages, h.ledger.Faults("D")[0].FaultType)
}

func TestApplyValidatorUpdates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newcomer := crypto.KeyPairFromSecret([]byte("newcomer"))

	require.NoError(t, h.coord.ApplyValidatorUpdates([]abci.ValidatorUpdate{
		abci.Ed25519ValidatorUpdate(newcomer.PublicKeyBytes(), 10),
		abci.Ed25519ValidatorUpdate(h.keys["D"].PublicKeyBytes(), 0),
	}))

	id := types.NodeID(crypto.ValidatorID(newcomer.PublicKeyBytes()))
	require.True(t, h.coord.IsValidator(id))
	require.False(t, h.coord.IsValidator("D"))
	require.Len(t, h.coord.Validators(), 4)

	require.NoError(t, h.coord.ApplyValidatorUpdates([]abci.ValidatorUpdate{abci.Ed25519ValidatorUpdate(h.keys["A"].PublicKeyBytes(), 7)}))
	for _, v := range h.coord.Validators() {
		if v.ID == "A" {
			require.Equal(t, int64(7), v.Power)
		}
	}

	err := h.coord.ApplyValidatorUpdates([]abci.ValidatorUpdate{abci.Ed25519ValidatorUpdate([]byte("short"), 1)})
	require.ErrorIs(t, err, ErrInvalidValidator)
}

func TestRegisterValidatorRejectsBadKey(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.ErrorIs(t, h.coord.RegisterValidator(types.Validator{ID: "E", PubKey: []byte("short")}), ErrInvalidValidator)
	require.ErrorIs(t, h.coord.RegisterValidator(types.Validator{}), ErrInvalidValidator)

	require.NoError(t, h.coord.RegisterValidator(types.Validator{ID: "E"}))
	require.True(t, h.coord.RemoveValidator("E"))
	require.False(t, h.coord.RemoveValidator("E"))
}

func TestNilMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.ErrorIs(t, h.coord.HandleMessage(context.Background(), types.Inbound{From: "A"}), ErrNilMessage)
}

type memStore struct {
	slashes  []SlashEvent
	blocks   []*types.Block
	snapshot *Snapshot
}

func (m *memStore) SaveSlashEvent(ev SlashEvent) error {
	m.slashes = append(m.slashes, ev)
	return nil
}

func (m *memStore) SaveBlock(block *types.Block) error {
	m.blocks = append(m.blocks, block)
	return nil
}

func (m *memStore) SaveSnapshot(s Snapshot) error {
	m.snapshot = &s
	return nil
}

func (m *memStore) LoadSnapshot() (*Snapshot, error) {
	return m.snapshot, nil
}

func TestShutdownOnInboundClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memStore{snapshot: &Snapshot{View: 3, Height: 9}}
	h := newHarness(t, harnessOptions{store: store})

	require.NoError(t, h.coord.Start(context.Background()))
	require.ErrorIs(t, h.coord.Start(context.Background()), ErrAlreadyRunning)

	h.inbound <- types.Inbound{From: "C", Msg: h.viewChange(t, "C", 5, "timeout")}
	close(h.inbound)

	select {
	case <-h.coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop after inbound channel closed")
	}

	for range h.coord.Outbound() {
	}
	require.Equal(t, uint64(5), h.coord.CurrentView())
	require.Equal(t, uint64(9), h.coord.CurrentHeight())
	require.Equal(t, uint64(5), store.snapshot.View)

	h.coord.Stop()
}

func TestStopCancelsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.coord.Start(context.Background()))
	h.coord.Stop()

	_, ok := <-h.coord.Outbound()
	require.False(t, ok)

	// 종료 후 전송은 조용히 버려진다
	_, err := h.coord.ProposeBlock(context.Background(), []byte("late"), 1)
	require.NoError(t, err)
}

func TestProposeBlockCancelledContext(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.coord.ProposeBlock(ctx, []byte("block"), 1)
	require.True(t, errors.Is(err, context.Canceled))
}
