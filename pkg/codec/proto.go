package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protoCodec[T proto.Message] struct {
	marshal proto.MarshalOptions
}

// Proto stores protobuf messages. Marshalling is deterministic, so messages
// can be used as keys as long as they are built the same way.
func Proto[T proto.Message]() Codec[T] {
	return protoCodec[T]{marshal: proto.MarshalOptions{Deterministic: true}}
}

func (c protoCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := c.marshal.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func (c protoCodec[T]) Unmarshal(data []byte) (T, error) {
	// ProtoReflect is valid on a nil message and New gives a fresh one
	var zero T
	msg := zero.ProtoReflect().New().Interface().(T)
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}
