// Package types defines core data structures for the BFT consensus core.
package types

import (
	"encoding/hex"
	"math"
	"math/bits"
	"sort"
	"time"

	"github.com/ahwlsqja/bftguard/crypto"
)

// NodeID identifies a validator. It is used as a map key everywhere.
type NodeID string

// String returns the node ID as a string.
func (id NodeID) String() string {
	return string(id)
}

// BlockHeader contains metadata about the block.
type BlockHeader struct {
	Height       uint64 `cbor:"1,keyasint" json:"height"`
	PreviousHash []byte `cbor:"2,keyasint" json:"previous_hash"`
	Timestamp    int64  `cbor:"3,keyasint" json:"timestamp"` // unix seconds
	MerkleRoot   []byte `cbor:"4,keyasint" json:"merkle_root"`
	Producer     []byte `cbor:"5,keyasint" json:"producer"` // ed25519 public key
	Difficulty   uint64 `cbor:"6,keyasint" json:"difficulty"`
}

// Time returns the header timestamp.
func (h BlockHeader) Time() time.Time {
	return time.Unix(h.Timestamp, 0)
}

// Block represents a candidate block.
type Block struct {
	Header       BlockHeader   `cbor:"1,keyasint" json:"header"`
	Transactions []Transaction `cbor:"2,keyasint" json:"transactions"`
	Signature    []byte        `cbor:"3,keyasint,omitempty" json:"signature,omitempty"`
}

// SigningBytes returns the canonical payload the producer signs.
func (b *Block) SigningBytes() ([]byte, error) {
	return Marshal(b.Header)
}

// Hash returns the block hash, the SHA-256 of the canonical header encoding.
// It returns nil when the header cannot be encoded.
func (b *Block) Hash() []byte {
	data, err := b.SigningBytes()
	if err != nil {
		return nil
	}
	return crypto.Hash(data)
}

// HashString returns the hex-encoded block hash.
func (b *Block) HashString() string {
	return hex.EncodeToString(b.Hash())
}

// Sign signs the header with the producer key and stores the signature.
func (b *Block) Sign(kp *crypto.KeyPair) error {
	data, err := b.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := kp.Sign(data)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// VerifySignature checks the block signature against the producer key.
func (b *Block) VerifySignature() bool {
	data, err := b.SigningBytes()
	if err != nil {
		return false
	}
	return crypto.Verify(b.Header.Producer, data, b.Signature)
}

// CalculateMerkleRoot computes the merkle root of the transactions' hashes.
func CalculateMerkleRoot(txs []Transaction) []byte {
	leaves := make([][]byte, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Hash()
	}
	return crypto.MerkleRoot(leaves)
}

// NewBlock assembles a block and fills in its merkle root.
func NewBlock(height uint64, prevHash []byte, producer []byte, difficulty uint64, txs []Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Height:       height,
			PreviousHash: prevHash,
			Timestamp:    time.Now().Unix(),
			MerkleRoot:   CalculateMerkleRoot(txs),
			Producer:     producer,
			Difficulty:   difficulty,
		},
		Transactions: txs,
	}
}

// Transaction represents a value transfer carried by a block.
type Transaction struct {
	From      []byte `cbor:"1,keyasint" json:"from"` // sender ed25519 public key
	To        []byte `cbor:"2,keyasint" json:"to"`
	Amount    uint64 `cbor:"3,keyasint" json:"amount"`
	Fee       uint64 `cbor:"4,keyasint" json:"fee"`
	Nonce     uint64 `cbor:"5,keyasint" json:"nonce"`
	Data      []byte `cbor:"6,keyasint,omitempty" json:"data,omitempty"`
	Signature []byte `cbor:"7,keyasint,omitempty" json:"signature,omitempty"`
}

// SigningBytes returns the canonical encoding of the transaction without its signature.
func (tx *Transaction) SigningBytes() []byte {
	unsigned := *tx
	unsigned.Signature = nil
	data, err := Marshal(unsigned)
	if err != nil {
		return nil
	}
	return data
}

// Hash returns the transaction identifier.
func (tx *Transaction) Hash() []byte {
	return crypto.Hash(tx.SigningBytes())
}

// Sign signs the transaction with the sender key.
func (tx *Transaction) Sign(kp *crypto.KeyPair) error {
	sig, err := kp.Sign(tx.SigningBytes())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Verify checks the signature against the sender key.
func (tx *Transaction) Verify() bool {
	return crypto.Verify(tx.From, tx.SigningBytes(), tx.Signature)
}

// Total returns amount+fee and whether the sum fits in a uint64.
func (tx *Transaction) Total() (uint64, bool) {
	if tx.Amount == math.MaxUint64 || tx.Fee == math.MaxUint64 {
		return 0, false
	}
	sum, carry := bits.Add64(tx.Amount, tx.Fee, 0)
	return sum, carry == 0
}

// Validator represents a node participating in consensus.
type Validator struct {
	ID     NodeID `json:"id"`
	PubKey []byte `json:"pub_key,omitempty"`
	Stake  uint64 `json:"stake"`
	Power  int64  `json:"power"`
}

// ValidatorSet is the set of known validators. It is not safe for concurrent
// use; the coordinator guards it.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet creates a new validator set.
func NewValidatorSet(validators []*Validator) *ValidatorSet {
	vs := &ValidatorSet{}
	for _, v := range validators {
		vs.Upsert(v)
	}
	return vs
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByID returns a validator by ID.
func (vs *ValidatorSet) GetByID(id NodeID) *Validator {
	for _, v := range vs.Validators {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// GetByPubKey returns the validator registered with the given key.
func (vs *ValidatorSet) GetByPubKey(pubKey []byte) *Validator {
	for _, v := range vs.Validators {
		if len(v.PubKey) > 0 && string(v.PubKey) == string(pubKey) {
			return v
		}
	}
	return nil
}

// Contains reports whether id is a known validator.
func (vs *ValidatorSet) Contains(id NodeID) bool {
	return vs.GetByID(id) != nil
}

// Upsert adds a validator or replaces the one with the same ID.
func (vs *ValidatorSet) Upsert(v *Validator) {
	for i, existing := range vs.Validators {
		if existing.ID == v.ID {
			vs.Validators[i] = v
			return
		}
	}
	vs.Validators = append(vs.Validators, v)
}

// Remove deletes a validator and reports whether it was present.
func (vs *ValidatorSet) Remove(id NodeID) bool {
	for i, v := range vs.Validators {
		if v.ID == id {
			vs.Validators = append(vs.Validators[:i], vs.Validators[i+1:]...)
			return true
		}
	}
	return false
}

// IDs returns the validator IDs in sorted order.
func (vs *ValidatorSet) IDs() []NodeID {
	ids := make([]NodeID, 0, len(vs.Validators))
	for _, v := range vs.Validators {
		ids = append(ids, v.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Copy returns a deep copy of the set.
func (vs *ValidatorSet) Copy() []Validator {
	out := make([]Validator, 0, len(vs.Validators))
	for _, v := range vs.Validators {
		c := *v
		c.PubKey = append([]byte(nil), v.PubKey...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FaultyTolerance returns the maximum number of faulty nodes this set tolerates.
func (vs *ValidatorSet) FaultyTolerance() int {
	if len(vs.Validators) == 0 {
		return 0
	}
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize returns 2f+1 for a given f.
func QuorumSize(maxByzantine int) int {
	return 2*maxByzantine + 1
}

// BuildSignedBlock assembles a block at height on top of prevHash and signs it with producer.
func BuildSignedBlock(height uint64, prevHash []byte, producer *crypto.KeyPair, txs []Transaction) (*Block, error) {
	block := NewBlock(height, prevHash, producer.PublicKeyBytes(), 1, txs)
	if err := block.Sign(producer); err != nil {
		return nil, err
	}
	return block, nil
}
