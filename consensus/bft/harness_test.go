package bft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/bftguard/clock"
	"github.com/ahwlsqja/bftguard/consensus/validation"
	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/reputation"
	"github.com/ahwlsqja/bftguard/types"
)

var validatorIDs = []types.NodeID{"A", "B", "C", "D"}

type harness struct {
	coord   *Coordinator
	ledger  *evidence.Ledger
	clock   *clock.Clock
	rep     *reputation.Ledger
	keys    map[types.NodeID]*crypto.KeyPair
	inbound chan types.Inbound
	sender  *crypto.KeyPair
}

type harnessOptions struct {
	self      types.NodeID
	signer    bool
	stake     uint64
	evidence  func(*evidence.Config)
	config    func(*Config)
	validator BlockValidator
	store     Store
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.self == "" {
		opts.self = "B"
	}

	clk := clock.NewMock(time.Now())

	evCfg := evidence.DefaultConfig()
	evCfg.MinReporters = 1
	evCfg.EnableAIDetection = false
	if opts.evidence != nil {
		opts.evidence(&evCfg)
	}
	ledger := evidence.NewLedger(evCfg, opts.self, nil, clk)

	keys := make(map[types.NodeID]*crypto.KeyPair, len(validatorIDs))
	for _, id := range validatorIDs {
		keys[id] = crypto.KeyPairFromSecret([]byte("validator-" + id))
	}

	cfg := DefaultConfig(opts.self)
	if opts.config != nil {
		opts.config(&cfg)
	}
	if opts.validator == nil {
		opts.validator = validation.New(validation.DefaultConfig())
	}

	rep := reputation.NewLedger(nil)
	deps := Deps{
		Ledger:     ledger,
		Validator:  opts.validator,
		Reputation: rep,
		Store:      opts.store,
		Clock:      clk,
	}
	if opts.signer {
		deps.Signer = crypto.NewDefaultSignerFromKeyPair(keys[opts.self])
	}

	inbound := make(chan types.Inbound, 16)
	coord, err := New(cfg, inbound, deps)
	require.NoError(t, err)

	for _, id := range validatorIDs {
		require.NoError(t, coord.RegisterValidator(types.Validator{
			ID:     id,
			PubKey: keys[id].PublicKeyBytes(),
			Stake:  opts.stake,
		}))
	}

	return &harness{
		coord:   coord,
		ledger:  ledger,
		clock:   clk,
		rep:     rep,
		keys:    keys,
		inbound: inbound,
		sender:  crypto.KeyPairFromSecret([]byte("sender")),
	}
}

func (h *harness) tx(t *testing.T, nonce uint64) types.Transaction {
	t.Helper()
	tx := types.Transaction{From: h.sender.PublicKeyBytes(), To: []byte("bob"), Amount: 10, Fee: 1, Nonce: nonce}
	require.NoError(t, tx.Sign(h.sender))
	return tx
}

func (h *harness) block(t *testing.T, proposer types.NodeID, height uint64, prev string) *types.Block {
	t.Helper()
	block, err := types.BuildSignedBlock(height, []byte(prev), h.keys[proposer], []types.Transaction{h.tx(t, 1)})
	require.NoError(t, err)
	return block
}

func (h *harness) propose(t *testing.T, proposer types.NodeID, height uint64, prev string) *types.Propose {
	t.Helper()
	bz, err := types.EncodeBlock(h.block(t, proposer, height, prev))
	require.NoError(t, err)
	return &types.Propose{BlockBytes: bz, Height: height, BlockHash: crypto.Hash(bz)}
}

func (h *harness) vote(t *testing.T, from types.NodeID, mt types.MessageType, hash []byte, height uint64) types.Inbound {
	t.Helper()
	sig, err := h.keys[from].Sign(types.VoteSignBytes(mt, hash, height))
	require.NoError(t, err)

	var msg types.Message
	switch mt {
	case types.PreVoteType:
		msg = &types.PreVote{BlockHash: hash, Height: height, Signature: sig}
	case types.PreCommitType:
		msg = &types.PreCommit{BlockHash: hash, Height: height, Signature: sig}
	case types.CommitType:
		msg = &types.Commit{BlockHash: hash, Height: height, Signature: sig}
	default:
		t.Fatalf("not a vote type: %s", mt)
	}
	return types.Inbound{From: from, Msg: msg}
}

func (h *harness) viewChange(t *testing.T, from types.NodeID, newView uint64, reason string) *types.ViewChange {
	t.Helper()
	sig, err := h.keys[from].Sign(types.ViewChangeSignBytes(newView, reason))
	require.NoError(t, err)
	return &types.ViewChange{NewView: newView, Reason: reason, Signature: sig}
}

func (h *harness) handle(t *testing.T, from types.NodeID, msg types.Message) error {
	t.Helper()
	return h.coord.HandleMessage(context.Background(), types.Inbound{From: from, Msg: msg})
}

func (h *harness) status(t *testing.T, hash []byte) Status {
	t.Helper()
	status, ok := h.coord.ConsensusStatus(hash)
	require.True(t, ok, "round %x not tracked", hash)
	return status
}

// drain returns everything queued on the outbound channel without blocking.
func drain(c *Coordinator) []types.Outbound {
	var out []types.Outbound
	for {
		select {
		case o, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, o)
		default:
			return out
		}
	}
}

func ofType(out []types.Outbound, mt types.MessageType) []types.Outbound {
	var filtered []types.Outbound
	for _, o := range out {
		if o.Msg.Type() == mt {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

func recipients(out []types.Outbound) []types.NodeID {
	ids := make([]types.NodeID, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.To)
	}
	return ids
}
