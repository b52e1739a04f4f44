package agent

import (
	"encoding/json"
	"fmt"
)

// jsonCodec serializes RPC messages as canonical JSON. The in-guest
// supervisor consumes process specifications as JSON, so the whole wire
// surface uses the same encoding rather than generated protobuf types.
type jsonCodec struct{}

// Name implements grpc encoding.Codec.
func (jsonCodec) Name() string {
	return "json"
}

// Marshal implements grpc encoding.Codec.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode message: %w", err)
	}

	return data, nil
}

// Unmarshal implements grpc encoding.Codec.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("Failed to decode message: %w", err)
	}

	return nil
}
