package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/consensus/validation"
	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/mempool"
	"github.com/ahwlsqja/bftguard/metrics"
	"github.com/ahwlsqja/bftguard/persistence"
	"github.com/ahwlsqja/bftguard/reputation"
	"github.com/ahwlsqja/bftguard/types"
)

// Node is one validator: its coordinator and everything the coordinator
// depends on.
type Node struct {
	mu sync.RWMutex

	id      types.NodeID
	key     *crypto.KeyPair
	coord   *bft.Coordinator   // 합의 코디네이터
	ledger  *evidence.Ledger   // 증거 원장
	store   persistence.Store  // 영속 저장소
	rep     *reputation.Ledger // 평판
	mempool *mempool.Mempool   // 트랜잭션 풀
	logger  *zap.Logger

	running bool
}

// ValidatorKey derives the key of validator id from seed.
func ValidatorKey(seed, id string) *crypto.KeyPair {
	return crypto.KeyPairFromSecret([]byte(seed + id))
}

// newNode builds validator id reading from inbound. m may be nil.
func newNode(config *Config, id types.NodeID, inbound <-chan types.Inbound, m *metrics.Metrics, logger *zap.Logger) (*Node, error) {
	logger = logger.With(zap.String("node", id.String()))

	var store persistence.Store
	if config.DataDir != "" {
		fs, err := persistence.NewFileStore(filepath.Join(config.DataDir, id.String()))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		store = fs
	} else {
		store = persistence.NewMemoryStore()
	}

	ledger := evidence.NewLedger(config.EvidenceConfig(), id, logger, nil)
	saved, err := store.LoadAllEvidence()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load evidence: %w", err)
	}
	ledger.Restore(saved)
	ledger.SetRecorder(store)

	pool := mempool.New(mempool.Config{
		MaxTxs:      mempool.DefaultConfig().MaxTxs,
		MaxBatchTxs: config.Consensus.BatchSize,
		TTL:         mempool.DefaultConfig().TTL,
	}, logger, nil)

	key := ValidatorKey(config.KeySeed, id.String())
	rep := reputation.NewLedger(logger)

	coord, err := bft.New(config.BFTConfig(id), inbound, bft.Deps{
		Ledger:     ledger,
		Validator:  validation.New(validationConfig(config)),
		Reputation: rep,
		Signer:     crypto.NewDefaultSignerFromKeyPair(key),
		Store:      &finalizedBlocks{Store: store, mempool: pool},
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	for _, vid := range config.Validators {
		if err := coord.RegisterValidator(types.Validator{
			ID:     types.NodeID(vid),
			PubKey: ValidatorKey(config.KeySeed, vid).PublicKeyBytes(),
			Stake:  config.Stake,
		}); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to register validator %s: %w", vid, err)
		}
	}

	return &Node{
		id:      id,
		key:     key,
		coord:   coord,
		ledger:  ledger,
		store:   store,
		rep:     rep,
		mempool: pool,
		logger:  logger,
	}, nil
}

func validationConfig(config *Config) validation.Config {
	vc := validation.DefaultConfig()
	vc.BatchSize = config.Consensus.BatchSize
	return vc
}

// Start starts the coordinator.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}
	if err := n.coord.Start(ctx); err != nil {
		return err
	}
	n.running = true
	return nil
}

// Wait blocks until the coordinator has exited and closes the store.
func (n *Node) Wait() error {
	<-n.coord.Done()

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false
	return n.store.Close()
}

// ID returns the validator ID.
func (n *Node) ID() types.NodeID {
	return n.id
}

// Coordinator returns the consensus coordinator.
func (n *Node) Coordinator() *bft.Coordinator {
	return n.coord
}

// Ledger returns the evidence ledger.
func (n *Node) Ledger() *evidence.Ledger {
	return n.ledger
}

// Store returns the node's store.
func (n *Node) Store() persistence.Store {
	return n.store
}

// Reputation returns the node's reputation ledger.
func (n *Node) Reputation() *reputation.Ledger {
	return n.rep
}

// Mempool returns the node's transaction pool.
func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// finalizedBlocks adapts the store so finalized blocks also leave the mempool.
type finalizedBlocks struct {
	persistence.Store
	mempool *mempool.Mempool
}

func (f *finalizedBlocks) SaveBlock(block *types.Block) error {
	f.mempool.Update(block)
	return f.Store.SaveBlock(block)
}
