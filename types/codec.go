package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxBlockSize bounds the encoded size of a proposed block.
const MaxBlockSize = 4 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	// Strict decoding: duplicate keys and indefinite lengths are malformed input.
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 100000,
		MaxMapPairs:      1000,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Marshal encodes v with canonical CBOR, so equal values always hash equally.
func Marshal(v interface{}) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("CBOR encode failed: %w", err)
	}
	return data, nil
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("CBOR decode failed: %w", err)
	}
	return nil
}

// EncodeBlock serializes a block for a Propose message.
func EncodeBlock(b *Block) ([]byte, error) {
	return Marshal(b)
}

// DecodeBlock deserializes a proposed block.
func DecodeBlock(data []byte) (*Block, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty block payload")
	}
	if len(data) > MaxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds limit %d", len(data), MaxBlockSize)
	}
	var b Block
	if err := Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
