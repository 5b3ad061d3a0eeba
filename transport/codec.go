// Package transport serves the operator query API over gRPC.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ContentSubtype is the gRPC content subtype of the query API. Requests are
// sent as "application/grpc+json", so the default proto codec stays
// registered for any other service sharing the process.
const ContentSubtype = "json"

var errNilMessage = errors.New("nil message")

func init() {
	// JSON 코덱 등록 - proto.Message를 구현하지 않은 타입도 지원
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec encodes the hand-written query messages in api/bftguard/v1 as
// JSON. The server picks it by content subtype, so clients must call with
// CallOption (Dial does this for every call).
type JSONCodec struct{}

// Name returns the content subtype the codec is registered under.
func (JSONCodec) Name() string {
	return ContentSubtype
}

// Marshal encodes a request or response message.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, errNilMessage
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into the message pointed to by v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

// CallOption selects the JSON codec for a single call. Clients built without
// Dial pass it to every query method.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(ContentSubtype)
}
