// Package crypto provides the signing, hashing and merkle helpers used by the consensus core.
package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/crypto/merkle"
	"github.com/cometbft/cometbft/crypto/tmhash"
)

// PubKeySize is the producer/validator key length expected by the block validator.
const PubKeySize = ed25519.PubKeySize

// SignatureSize is the length of an ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// KeyPair is an ed25519 key pair.
type KeyPair struct {
	PrivateKey ed25519.PrivKey
	PublicKey  ed25519.PubKey
}

// GenerateKeyPair generates a new ed25519 key pair.
func GenerateKeyPair() *KeyPair {
	priv := ed25519.GenPrivKey()
	return &KeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PubKey().(ed25519.PubKey),
	}
}

// KeyPairFromSecret derives a deterministic key pair from a secret. Used by the devnet and tests.
func KeyPairFromSecret(secret []byte) *KeyPair {
	priv := ed25519.GenPrivKeyFromSecret(secret)
	return &KeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PubKey().(ed25519.PubKey),
	}
}

// Sign signs a message with the private key.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	sig, err := kp.PrivateKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// PublicKeyBytes returns the raw public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.PublicKey.Bytes()
}

// Verify checks an ed25519 signature. Keys of the wrong length never verify.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PubKeySize || len(signature) == 0 {
		return false
	}
	return ed25519.PubKey(publicKey).VerifySignature(message, signature)
}

// Hash computes the SHA-256 hash of data.
func Hash(data []byte) []byte {
	return tmhash.Sum(data)
}

// MerkleRoot computes the RFC 6962 merkle root over a list of leaves.
func MerkleRoot(leaves [][]byte) []byte {
	return merkle.HashFromByteSlices(leaves)
}

// ValidatorID derives a validator ID from a public key.
func ValidatorID(publicKey []byte) string {
	hash := Hash(publicKey)
	return hex.EncodeToString(hash[:20])
}

// Signer signs consensus payloads on behalf of the local validator.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
	Address() string
}

// DefaultSigner implements Signer with an ed25519 key pair.
type DefaultSigner struct {
	keyPair *KeyPair
	address string
}

// NewDefaultSigner creates a signer with a freshly generated key pair.
func NewDefaultSigner() *DefaultSigner {
	return NewDefaultSignerFromKeyPair(GenerateKeyPair())
}

// NewDefaultSignerFromKeyPair creates a DefaultSigner from an existing key pair.
func NewDefaultSignerFromKeyPair(kp *KeyPair) *DefaultSigner {
	return &DefaultSigner{
		keyPair: kp,
		address: ValidatorID(kp.PublicKeyBytes()),
	}
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) ([]byte, error) {
	return s.keyPair.Sign(message)
}

// PublicKey returns the public key bytes.
func (s *DefaultSigner) PublicKey() []byte {
	return s.keyPair.PublicKeyBytes()
}

// Address returns the signer's address.
func (s *DefaultSigner) Address() string {
	return s.address
}
