package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/metrics"
	"github.com/ahwlsqja/bftguard/network"
	"github.com/ahwlsqja/bftguard/transport"
	"github.com/ahwlsqja/bftguard/types"
)

/*
================================================================================
                           DEVNET 구성
================================================================================

  ┌────────┐   outbound   ┌────────────────┐   inbound   ┌────────┐
  │ node0  │ ───────────► │ network.Router │ ──────────► │ node1  │ ...
  └────────┘              └────────────────┘             └────────┘
      ▲
      │ ProposeBlock (높이 h, 제안자 = (h + view) mod n)
  proposeLoop ── 합성 트랜잭션 → 모든 노드 mempool

  로컬 노드(NodeID)는 gRPC 쿼리 서비스를 제공함

================================================================================
*/

const inboundBuffer = 1024

// ErrNoProposer is returned when every validator is blacklisted or removed.
var ErrNoProposer = errors.New("no eligible proposer")

// Devnet runs every validator of the configuration in one process, connected
// through a network.Router, and proposes a block every ProposeInterval.
type Devnet struct {
	mu sync.Mutex

	config *Config
	logger *zap.Logger

	router *network.Router
	nodes  map[types.NodeID]*Node
	local  *Node

	registry      *prometheus.Registry
	metricsServer *metrics.Server
	queryServer   *transport.Server

	// 합성 트랜잭션 발신자
	senders []*crypto.KeyPair
	nonces  map[int]uint64

	// 마지막으로 제안한 블록
	prevHash   []byte
	lastHeight uint64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDevnet builds every validator in config.
func NewDevnet(config *Config, logger *zap.Logger) (*Devnet, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Devnet{
		config: config,
		logger: logger.Named("devnet"),
		router: network.NewRouter(logger),
		nodes:  make(map[types.NodeID]*Node, len(config.Validators)),
		nonces: make(map[int]uint64),
	}
	for i := 0; i < 3; i++ {
		d.senders = append(d.senders, crypto.KeyPairFromSecret([]byte(fmt.Sprintf("%s-sender-%d", config.ChainID, i))))
	}

	if config.MetricsEnabled {
		d.registry = prometheus.NewRegistry()
	}

	for _, vid := range config.Validators {
		id := types.NodeID(vid)
		inbound, err := d.router.AddPeer(id, inboundBuffer)
		if err != nil {
			d.closeStores()
			return nil, err
		}

		var m *metrics.Metrics
		if d.registry != nil {
			m = metrics.NewMetrics("bftguard", prometheus.WrapRegistererWith(prometheus.Labels{"node": vid}, d.registry))
		}

		n, err := newNode(config, id, inbound, m, logger)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to create node %s: %w", vid, err)
		}
		if err := d.router.Attach(id, n.coord.Outbound()); err != nil {
			d.closeStores()
			return nil, err
		}
		d.nodes[id] = n
	}
	d.local = d.nodes[types.NodeID(config.NodeID)]

	if config.QueryAddr != "" {
		d.queryServer = transport.NewServer(config.QueryAddr, transport.NewQueryService(d.local.coord), logger)
	}
	if d.registry != nil {
		d.metricsServer = metrics.NewServer(config.MetricsAddr, d.registry)
	}
	return d, nil
}

func (d *Devnet) closeStores() {
	for _, n := range d.nodes {
		_ = n.store.Close()
	}
}

// Start starts every node, the query and metrics servers and the proposer loop.
func (d *Devnet) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("devnet already running")
	}

	if d.queryServer != nil {
		if err := d.queryServer.Start(); err != nil {
			return fmt.Errorf("failed to start query server: %w", err)
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		d.logger.Info("Metrics server started", zap.String("addr", d.metricsServer.Addr()))
	}

	for _, n := range d.nodes {
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node %s: %w", n.id, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.proposeLoop(ctx)

	d.logger.Info("Devnet started",
		zap.String("chain_id", d.config.ChainID),
		zap.Int("validators", len(d.nodes)),
		zap.String("local", d.config.NodeID),
		zap.Duration("propose_interval", d.config.ProposeInterval))
	return nil
}

func (d *Devnet) proposeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProposeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range d.nodes {
				n.mempool.Expire()
			}
			if _, err := d.ProposeNext(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("Failed to propose block", zap.Error(err))
			}
		}
	}
}

// ProposeNext submits a batch of synthetic transfers and has the next proposer
// propose a block on top of the previous one. It returns the block hash.
func (d *Devnet) ProposeNext(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// 로컬 노드가 직전 제안을 아직 처리하지 않았어도 같은 높이를 다시 쓰지 않음
	height := max(d.local.coord.CurrentHeight(), d.lastHeight) + 1
	proposer, err := d.proposerFor(height)
	if err != nil {
		return nil, err
	}

	for i := 0; i < d.config.TxsPerBlock; i++ {
		if err := d.submitTransferLocked(i % len(d.senders)); err != nil {
			d.logger.Debug("Transfer rejected", zap.Error(err))
		}
	}
	txs := proposer.mempool.ReapMaxTxs(d.config.Consensus.BatchSize)
	if len(txs) == 0 {
		return nil, fmt.Errorf("mempool of %s is empty", proposer.id)
	}

	prev := d.prevHash
	if prev == nil {
		prev = crypto.Hash([]byte(d.config.ChainID))
	}
	block, err := types.BuildSignedBlock(height, prev, proposer.key, txs)
	if err != nil {
		return nil, fmt.Errorf("failed to build block: %w", err)
	}
	bz, err := types.EncodeBlock(block)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block: %w", err)
	}

	hash, err := proposer.coord.ProposeBlock(ctx, bz, height)
	if err != nil {
		return nil, err
	}
	d.prevHash = block.Hash()
	d.lastHeight = height
	return hash, nil
}

// proposerFor picks the proposer for height from the local node's view of the
// active set, skipping blacklisted validators.
func (d *Devnet) proposerFor(height uint64) (*Node, error) {
	var eligible []*Node
	for _, v := range d.local.coord.Validators() {
		n, ok := d.nodes[v.ID]
		if !ok || d.local.ledger.IsBlacklisted(v.ID) {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return nil, ErrNoProposer
	}
	idx := (height + d.local.coord.CurrentView()) % uint64(len(eligible))
	return eligible[idx], nil
}

func (d *Devnet) submitTransferLocked(sender int) error {
	kp := d.senders[sender]
	d.nonces[sender]++
	tx := types.Transaction{
		From:   kp.PublicKeyBytes(),
		To:     d.senders[(sender+1)%len(d.senders)].PublicKeyBytes(),
		Amount: 1,
		Fee:    1,
		Nonce:  d.nonces[sender],
	}
	if err := tx.Sign(kp); err != nil {
		return err
	}
	return d.submitLocked(tx)
}

// SubmitTx adds tx to every node's mempool. The local node's verdict is returned.
func (d *Devnet) SubmitTx(tx types.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitLocked(tx)
}

func (d *Devnet) submitLocked(tx types.Transaction) error {
	var localErr error
	for id, n := range d.nodes {
		err := n.mempool.AddTx(tx)
		if id == d.local.id {
			localErr = err
		}
	}
	return localErr
}

// Stop stops the proposer loop, the servers and every node.
func (d *Devnet) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()

	if d.queryServer != nil {
		d.queryServer.Stop()
	}

	// 라우터가 inbound 채널을 닫으면 코디네이터가 종료됨
	d.router.Stop()

	var errs []error
	for _, n := range d.nodes {
		if err := n.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.id, err))
		}
	}

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	d.logger.Info("Devnet stopped")
	return errors.Join(errs...)
}

// Local returns the node serving queries.
func (d *Devnet) Local() *Node {
	return d.local
}

// Node returns validator id, or nil.
func (d *Devnet) Node(id types.NodeID) *Node {
	return d.nodes[id]
}

// Router returns the in-process network.
func (d *Devnet) Router() *network.Router {
	return d.router
}

// QueryAddr returns the bound query address, or "" when disabled.
func (d *Devnet) QueryAddr() string {
	if d.queryServer == nil {
		return ""
	}
	return d.queryServer.Addr()
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Devnet) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}
