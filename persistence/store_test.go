package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testEvidence(node types.NodeID, ft evidence.FaultType, data string, offset time.Duration) *evidence.Evidence {
	return &evidence.Evidence{
		FaultType:   ft,
		NodeID:      node,
		Timestamp:   epoch.Add(offset),
		Data:        []byte(data),
		Description: "test",
		Reporters:   []types.NodeID{"A", "B"},
		Hash:        evidence.ComputeHash(ft, node, []byte(data)),
	}
}

// runStoreTests runs the same checks against every Store implementation.
func runStoreTests(t *testing.T, store Store) {
	t.Run("Evidence", func(t *testing.T) {
		require.NoError(t, store.SaveEvidence(testEvidence("node/1", evidence.DoubleSigning, "h1h2", 2*time.Second)))
		require.NoError(t, store.SaveEvidence(testEvidence("node/1", evidence.InvalidTransactions, "blk", time.Second)))
		require.NoError(t, store.SaveEvidence(testEvidence("node-2", evidence.ReplayAttack, "msg", 0)))
		require.Error(t, store.SaveEvidence(nil))

		evs, err := store.LoadEvidence("node/1")
		require.NoError(t, err)
		require.Len(t, evs, 2)
		require.Equal(t, evidence.InvalidTransactions, evs[0].FaultType)
		require.Equal(t, evidence.DoubleSigning, evs[1].FaultType)
		require.Equal(t, []types.NodeID{"A", "B"}, evs[1].Reporters)
		require.True(t, evs[1].Timestamp.Equal(epoch.Add(2*time.Second)))

		// 같은 해시는 덮어쓴다
		updated := testEvidence("node/1", evidence.DoubleSigning, "h1h2", 2*time.Second)
		updated.Reporters = append(updated.Reporters, "C")
		require.NoError(t, store.SaveEvidence(updated))
		evs, err = store.LoadEvidence("node/1")
		require.NoError(t, err)
		require.Len(t, evs, 2)
		require.Len(t, evs[1].Reporters, 3)

		all, err := store.LoadAllEvidence()
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, types.NodeID("node-2"), all[0].NodeID)

		none, err := store.LoadEvidence("unknown")
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("SlashEvents", func(t *testing.T) {
		for i, ft := range []evidence.FaultType{evidence.DoubleSigning, evidence.DelayedMessages} {
			require.NoError(t, store.SaveSlashEvent(bft.SlashEvent{
				NodeID:      "C",
				FaultType:   ft,
				Kind:        bft.SlashSeverity,
				Amount:      uint64(100 * (i + 1)),
				StakeBefore: 1000,
				StakeAfter:  1000 - uint64(100*(i+1)),
				Timestamp:   epoch,
			}))
		}

		events, err := store.LoadSlashEvents()
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, evidence.DoubleSigning, events[0].FaultType)
		require.Equal(t, uint64(200), events[1].Amount)
	})

	t.Run("Blocks", func(t *testing.T) {
		kp := crypto.KeyPairFromSecret([]byte("producer"))
		for h := uint64(1); h <= 3; h++ {
			block, err := types.BuildSignedBlock(h, []byte("prev"), kp, nil)
			require.NoError(t, err)
			require.NoError(t, store.SaveBlock(block))
		}
		require.Error(t, store.SaveBlock(nil))

		latest, err := store.LatestBlockHeight()
		require.NoError(t, err)
		require.Equal(t, uint64(3), latest)

		block, err := store.LoadBlock(2)
		require.NoError(t, err)
		require.NotNil(t, block)
		require.True(t, block.VerifySignature())

		missing, err := store.LoadBlock(9)
		require.NoError(t, err)
		require.Nil(t, missing)
	})

	t.Run("Snapshot", func(t *testing.T) {
		snap, err := store.LoadSnapshot()
		require.NoError(t, err)
		require.Nil(t, snap)

		require.NoError(t, store.SaveSnapshot(bft.Snapshot{View: 4, Height: 12, SavedAt: epoch}))
		snap, err = store.LoadSnapshot()
		require.NoError(t, err)
		require.Equal(t, uint64(4), snap.View)
		require.Equal(t, uint64(12), snap.Height)
	})
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runStoreTests(t, store)
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveSlashEvent(bft.SlashEvent{NodeID: "A", Amount: 1}))
	require.NoError(t, store.SaveEvidence(testEvidence("A", evidence.MalformedMessages, "x", 0)))
	require.NoError(t, store.Close())

	// 재시작 후에도 순서가 이어진다
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.SaveSlashEvent(bft.SlashEvent{NodeID: "B", Amount: 2}))

	events, err := reopened.LoadSlashEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, types.NodeID("A"), events[0].NodeID)
	require.Equal(t, types.NodeID("B"), events[1].NodeID)

	evs, err := reopened.LoadAllEvidence()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, evidence.MalformedMessages, evs[0].FaultType)
}

func TestFileStoreRecordsLedgerEvidence(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := evidence.DefaultConfig()
	cfg.MinReporters = 1
	cfg.EnableAIDetection = false
	ledger := evidence.NewLedger(cfg, "A", nil, nil)
	ledger.SetRecorder(store)
	ledger.TrackValidator("B")

	res, err := ledger.ReportFault(t.Context(), evidence.Report{
		FaultType: evidence.InvalidBlockProposal,
		Accused:   "B",
		Reporter:  "A",
		Data:      []byte("block"),
	})
	require.NoError(t, err)
	require.True(t, res.Verified)

	evs, err := store.LoadEvidence("B")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, res.Evidence.Hash, evs[0].Hash)

	// 재시작한 원장은 저장된 이력을 복원한다
	restored := evidence.NewLedger(cfg, "A", nil, nil)
	restored.Restore(evs)
	require.Equal(t, 1, restored.FaultCount("B"))
}
