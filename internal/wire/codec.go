package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "frame"

// FrameCodec is a grpc encoding.Codec that marshals a *Frame as
// "u8 kind | u16 version | bytes payload" instead of protobuf's default
// message encoding, matching spec.md §6's wire layout directly.
type FrameCodec struct{}

func (FrameCodec) Name() string { return codecName }

func (FrameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("wire: codec: unsupported type %T, want *wire.Frame", v)
	}
	b := make([]byte, 0, 3+len(f.Payload))
	b = append(b, byte(f.Kind))
	b = append(b, byte(f.Version>>8), byte(f.Version))
	b = append(b, f.Payload...)
	return b, nil
}

func (FrameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("wire: codec: unsupported type %T, want *wire.Frame", v)
	}
	if len(data) < 3 {
		return fmt.Errorf("wire: frame too short: %d bytes", len(data))
	}
	f.Kind = Kind(data[0])
	f.Version = uint16(data[1])<<8 | uint16(data[2])
	f.Payload = data[3:]
	return nil
}

func init() {
	encoding.RegisterCodec(FrameCodec{})
}

// CodecName is the content-subtype clients must request (via
// grpc.CallContentSubtype) to have their stream messages encoded with
// FrameCodec instead of the default protobuf codec.
const CodecName = codecName
