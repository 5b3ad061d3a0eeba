// Package validation implements the structural and transactional checks the
// consensus core runs on candidate blocks before voting for them.
//
// The checks are pure: everything that changes between calls (local height,
// wall clock) is passed in, so the coordinator and the evidence path share one
// implementation.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/types"
)

// Structural errors.
var (
	ErrNilBlock            = errors.New("block is nil")
	ErrEmptyBlockHash      = errors.New("block hash is empty")
	ErrMissingPreviousHash = errors.New("previous hash is empty for non-genesis block")
	ErrTimestampInFuture   = errors.New("block timestamp is too far in the future")
	ErrTimestampTooOld     = errors.New("block timestamp is too old")
	ErrMerkleRootMismatch  = errors.New("merkle root mismatch")
	ErrInvalidProducerKey  = errors.New("invalid producer public key length")
	ErrZeroDifficulty      = errors.New("block difficulty is zero")
	ErrInvalidBlockSig     = errors.New("block signature verification failed")
	ErrHeightTooFarAhead   = errors.New("block height is too far ahead of local height")
)

// Transaction-set errors.
var (
	ErrNoTransactions       = errors.New("block contains no transactions")
	ErrDuplicateTransaction = errors.New("duplicate transaction in block")
	ErrInvalidTxSignature   = errors.New("invalid transaction signature")
	ErrNonceNotIncreasing   = errors.New("sender nonce is not strictly increasing")
	ErrEmptyParty           = errors.New("transaction has empty from/to field")
	ErrAmountOverflow       = errors.New("transaction amount + fee overflows")
	ErrMissingTxSignature   = errors.New("transaction missing signature")
	ErrTooManyTransactions  = errors.New("block contains too many transactions")
)

// Config bounds the checks.
type Config struct {
	// BatchSize is the configured consensus batch size; a block may carry at most
	// TxLimitMultiplier × BatchSize transactions.
	BatchSize int

	// TxLimitMultiplier scales BatchSize into the per-block limit (10).
	TxLimitMultiplier int

	// MaxHeightLead is how far a proposal may run ahead of the local height (10).
	MaxHeightLead uint64

	// MaxFutureDrift is the accepted clock skew into the future (5 minutes).
	MaxFutureDrift time.Duration

	// MaxPastDrift is the oldest acceptable block age (1 hour).
	MaxPastDrift time.Duration
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		TxLimitMultiplier: 10,
		MaxHeightLead:     10,
		MaxFutureDrift:    300 * time.Second,
		MaxPastDrift:      3600 * time.Second,
	}
}

// Validator runs block checks. It holds no mutable state.
type Validator struct {
	config Config
}

// New creates a block validator.
func New(config Config) *Validator {
	if config.TxLimitMultiplier <= 0 {
		config.TxLimitMultiplier = 10
	}
	return &Validator{config: config}
}

// MaxTransactions returns the per-block transaction limit.
func (v *Validator) MaxTransactions() int {
	return v.config.BatchSize * v.config.TxLimitMultiplier
}

// ValidateStructure checks the block header against the local view of the chain.
func (v *Validator) ValidateStructure(block *types.Block, localHeight uint64, now time.Time) error {
	if block == nil {
		return ErrNilBlock
	}
	header := block.Header

	if len(block.Hash()) == 0 {
		return ErrEmptyBlockHash
	}

	if header.Height > 0 && len(header.PreviousHash) == 0 {
		return ErrMissingPreviousHash
	}

	ts := header.Time()
	if ts.After(now.Add(v.config.MaxFutureDrift)) {
		return fmt.Errorf("%w: %s ahead", ErrTimestampInFuture, ts.Sub(now))
	}
	if ts.Add(v.config.MaxPastDrift).Before(now) {
		return fmt.Errorf("%w: %s old", ErrTimestampTooOld, now.Sub(ts))
	}

	if !bytes.Equal(types.CalculateMerkleRoot(block.Transactions), header.MerkleRoot) {
		return ErrMerkleRootMismatch
	}

	if len(header.Producer) != crypto.PubKeySize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidProducerKey, len(header.Producer), crypto.PubKeySize)
	}

	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	if len(block.Signature) > 0 && !block.VerifySignature() {
		return ErrInvalidBlockSig
	}

	if header.Height > localHeight+v.config.MaxHeightLead {
		return fmt.Errorf("%w: height %d, local %d", ErrHeightTooFarAhead, header.Height, localHeight)
	}

	return nil
}

// ValidateTransactions checks the transaction list of a block.
func (v *Validator) ValidateTransactions(block *types.Block) error {
	if block == nil {
		return ErrNilBlock
	}
	if len(block.Transactions) == 0 {
		return ErrNoTransactions
	}
	// 서명 검증 전에 개수 제한부터 확인
	if limit := v.MaxTransactions(); len(block.Transactions) > limit {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTransactions, len(block.Transactions), limit)
	}

	seen := make(map[string]struct{}, len(block.Transactions))
	lastNonce := make(map[string]uint64)

	for i := range block.Transactions {
		tx := &block.Transactions[i]

		id := string(tx.Hash())
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w at index %d", ErrDuplicateTransaction, i)
		}
		seen[id] = struct{}{}

		if len(tx.Signature) == 0 {
			return fmt.Errorf("%w at index %d", ErrMissingTxSignature, i)
		}
		if !tx.Verify() {
			return fmt.Errorf("%w at index %d", ErrInvalidTxSignature, i)
		}

		sender := string(tx.From)
		if last, ok := lastNonce[sender]; ok && tx.Nonce <= last {
			return fmt.Errorf("%w at index %d: %d <= %d", ErrNonceNotIncreasing, i, tx.Nonce, last)
		}
		lastNonce[sender] = tx.Nonce

		if len(tx.From) == 0 || len(tx.To) == 0 {
			return fmt.Errorf("%w at index %d", ErrEmptyParty, i)
		}

		if _, ok := tx.Total(); !ok {
			return fmt.Errorf("%w at index %d", ErrAmountOverflow, i)
		}
	}

	return nil
}

// ValidBlockStructure is the boolean form of ValidateStructure.
func (v *Validator) ValidBlockStructure(block *types.Block, localHeight uint64, now time.Time) bool {
	return v.ValidateStructure(block, localHeight, now) == nil
}

// ValidBlockTransactions is the boolean form of ValidateTransactions.
func (v *Validator) ValidBlockTransactions(block *types.Block) bool {
	return v.ValidateTransactions(block) == nil
}
