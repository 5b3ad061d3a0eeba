// Package mempool holds signed transactions waiting to be batched into a
// proposed block.
package mempool

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/clock"
	"github.com/ahwlsqja/bftguard/types"
)

/*
================================================================================
                           MEMPOOL 구조
================================================================================

  AddTx ──► 검증 (서명, 금액, nonce) ──► txStore[txHash] + senderIndex[from]

  ReapMaxTxs(n) ──► 도착 순서(FIFO)로 최대 n개
                    발신자별 nonce는 이미 증가 순서이므로 블록 검증을 통과함

  Update(block) ──► 확정된 블록의 트랜잭션 제거 + recentlyRemoved 캐시

================================================================================
*/

var (
	// 에러 정의
	ErrTxAlreadyExists = errors.New("transaction already exists in mempool")
	ErrMempoolFull     = errors.New("mempool is full")
	ErrInvalidTx       = errors.New("invalid transaction")
	ErrLowNonce        = errors.New("nonce too low")
	ErrLowFee          = errors.New("fee below minimum")
)

// Config bounds the pool.
type Config struct {
	MaxTxs      int // 최대 트랜잭션 수 (기본: 5000)
	MaxBatchTxs int // 한 번에 가져올 최대 트랜잭션 수 (기본: 500)

	// TTL (Time To Live)
	TTL time.Duration // 트랜잭션 만료 시간 (기본: 10분)

	MinFee uint64
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{
		MaxTxs:      5000,
		MaxBatchTxs: 500,
		TTL:         10 * time.Minute,
		MinFee:      0,
	}
}

type entry struct {
	id      string
	tx      types.Transaction
	sender  string
	arrived time.Time
}

// Metrics are the pool's running counters.
type Metrics struct {
	TxsReceived  int64 // 받은 총 트랜잭션 수
	TxsAccepted  int64 // 수락된 트랜잭션 수
	TxsRejected  int64 // 거부된 트랜잭션 수
	TxsExpired   int64 // 만료된 트랜잭션 수
	TxsEvicted   int64 // 퇴출된 트랜잭션 수
	TxsCommitted int64 // 커밋된 트랜잭션 수
	CurrentSize  int
	PeakSize     int
}

// Mempool manages pending transactions. It is safe for concurrent use.
type Mempool struct {
	mu sync.RWMutex

	config Config

	txStore     map[string]*entry   // txHash -> entry
	senderIndex map[string][]*entry // sender -> nonce 순서
	senderNonce map[string]uint64   // sender -> 마지막 nonce

	// 최근 제거된 트랜잭션 캐시 (재진입 방지)
	recentlyRemoved map[string]time.Time

	metrics Metrics
	logger  *zap.Logger
	clock   *clock.Clock
}

// New creates a pool. A nil clock follows system time.
func New(config Config, logger *zap.Logger, clk *clock.Clock) *Mempool {
	if config.MaxTxs <= 0 {
		config.MaxTxs = DefaultConfig().MaxTxs
	}
	if config.MaxBatchTxs <= 0 {
		config.MaxBatchTxs = DefaultConfig().MaxBatchTxs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Mempool{
		config:          config,
		txStore:         make(map[string]*entry),
		senderIndex:     make(map[string][]*entry),
		senderNonce:     make(map[string]uint64),
		recentlyRemoved: make(map[string]time.Time),
		logger:          logger.Named("mempool"),
		clock:           clk,
	}
}

// AddTx validates tx and adds it to the pool. A sender's nonces must arrive in
// strictly increasing order.
func (mp *Mempool) AddTx(tx types.Transaction) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.metrics.TxsReceived++

	if err := checkTx(&tx); err != nil {
		mp.metrics.TxsRejected++
		return fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	if tx.Fee < mp.config.MinFee {
		mp.metrics.TxsRejected++
		return fmt.Errorf("%w: %d < %d", ErrLowFee, tx.Fee, mp.config.MinFee)
	}

	id := hex.EncodeToString(tx.Hash())
	if _, exists := mp.txStore[id]; exists {
		mp.metrics.TxsRejected++
		return ErrTxAlreadyExists
	}
	if _, removed := mp.recentlyRemoved[id]; removed {
		mp.metrics.TxsRejected++
		return ErrTxAlreadyExists
	}

	sender := string(tx.From)
	if last, ok := mp.senderNonce[sender]; ok && tx.Nonce <= last {
		mp.metrics.TxsRejected++
		return fmt.Errorf("%w: got %d, expected > %d", ErrLowNonce, tx.Nonce, last)
	}

	for len(mp.txStore) >= mp.config.MaxTxs {
		if !mp.evictLowestFee(tx.Fee) {
			mp.metrics.TxsRejected++
			return ErrMempoolFull
		}
	}

	e := &entry{id: id, tx: tx, sender: sender, arrived: mp.clock.Now()}
	mp.txStore[id] = e
	mp.senderIndex[sender] = append(mp.senderIndex[sender], e)
	mp.senderNonce[sender] = tx.Nonce

	mp.metrics.TxsAccepted++
	mp.updateSize()
	return nil
}

func checkTx(tx *types.Transaction) error {
	if len(tx.From) == 0 || len(tx.To) == 0 {
		return errors.New("empty from/to")
	}
	if len(tx.Signature) == 0 || !tx.Verify() {
		return errors.New("bad signature")
	}
	if _, ok := tx.Total(); !ok {
		return errors.New("amount + fee overflows")
	}
	return nil
}

// evictLowestFee drops the lowest-fee transaction if it pays less than minFee.
// Only a sender's newest transaction is a candidate so nonce order survives.
func (mp *Mempool) evictLowestFee(minFee uint64) bool {
	var lowest *entry
	for _, txs := range mp.senderIndex {
		last := txs[len(txs)-1]
		if lowest == nil || last.tx.Fee < lowest.tx.Fee {
			lowest = last
		}
	}
	if lowest == nil || lowest.tx.Fee >= minFee {
		return false
	}
	mp.removeLocked(lowest.id, true)
	mp.metrics.TxsEvicted++
	return true
}

func (mp *Mempool) removeLocked(id string, addToCache bool) {
	e, ok := mp.txStore[id]
	if !ok {
		return
	}
	delete(mp.txStore, id)

	txs := mp.senderIndex[e.sender]
	for i, t := range txs {
		if t.id == id {
			mp.senderIndex[e.sender] = append(txs[:i], txs[i+1:]...)
			break
		}
	}
	if len(mp.senderIndex[e.sender]) == 0 {
		delete(mp.senderIndex, e.sender)
	}

	if addToCache {
		mp.recentlyRemoved[id] = mp.clock.Now()
	}
	mp.updateSize()
}

// ReapMaxTxs returns up to max transactions in arrival order without removing
// them. max is capped at MaxBatchTxs.
func (mp *Mempool) ReapMaxTxs(max int) []types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if max <= 0 || max > mp.config.MaxBatchTxs {
		max = mp.config.MaxBatchTxs
	}
	if len(mp.txStore) == 0 {
		return nil
	}

	entries := make([]*entry, 0, len(mp.txStore))
	for _, e := range mp.txStore {
		entries = append(entries, e)
	}
	// 도착 순서 - 같은 시각이면 발신자별 nonce 순서 유지
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].arrived.Equal(entries[j].arrived) {
			return entries[i].arrived.Before(entries[j].arrived)
		}
		if entries[i].sender != entries[j].sender {
			return entries[i].sender < entries[j].sender
		}
		return entries[i].tx.Nonce < entries[j].tx.Nonce
	})

	if len(entries) > max {
		entries = entries[:max]
	}
	txs := make([]types.Transaction, len(entries))
	for i, e := range entries {
		txs[i] = e.tx
	}
	return txs
}

// Update removes the transactions of a finalized block.
func (mp *Mempool) Update(block *types.Block) {
	if block == nil {
		return
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for i := range block.Transactions {
		id := hex.EncodeToString(block.Transactions[i].Hash())
		if _, ok := mp.txStore[id]; ok {
			mp.metrics.TxsCommitted++
		}
		mp.removeLocked(id, true)
	}
	mp.logger.Debug("Mempool updated",
		zap.Uint64("height", block.Header.Height),
		zap.Int("size", len(mp.txStore)))
}

// Expire drops transactions and cache entries older than TTL and returns how
// many transactions were dropped.
func (mp *Mempool) Expire() int {
	if mp.config.TTL <= 0 {
		return 0
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := mp.clock.Now()
	var expired []string
	for id, e := range mp.txStore {
		if now.Sub(e.arrived) > mp.config.TTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		mp.removeLocked(id, false)
	}
	mp.metrics.TxsExpired += int64(len(expired))

	for id, at := range mp.recentlyRemoved {
		if now.Sub(at) > mp.config.TTL {
			delete(mp.recentlyRemoved, id)
		}
	}
	return len(expired)
}

// Size returns the number of pending transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.txStore)
}

// GetMetrics returns a copy of the counters.
func (mp *Mempool) GetMetrics() Metrics {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.metrics
}

func (mp *Mempool) updateSize() {
	mp.metrics.CurrentSize = len(mp.txStore)
	if mp.metrics.CurrentSize > mp.metrics.PeakSize {
		mp.metrics.PeakSize = mp.metrics.CurrentSize
	}
}
