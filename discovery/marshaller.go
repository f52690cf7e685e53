package discovery

import (
	"github.com/hashicorp/go-msgpack/codec"
)

// Marshaller converts the envelopes discovery persists in the coordination
// store to and from bytes. The format is opaque to discovery, but it must be
// stable across every member of a cluster lineage: all nodes have to agree on
// the codec.
type Marshaller interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type msgpackMarshaller struct {
	handle *codec.MsgpackHandle
}

// NewMsgpackMarshaller returns the default Marshaller, a self-describing
// msgpack codec.
func NewMsgpackMarshaller() Marshaller {
	return &msgpackMarshaller{
		handle: &codec.MsgpackHandle{RawToString: true},
	}
}

func (m *msgpackMarshaller) Marshal(v any) ([]byte, error) {
	var buf []byte

	enc := codec.NewEncoderBytes(&buf, m.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf, nil
}

func (m *msgpackMarshaller) Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, m.handle)

	return dec.Decode(v)
}
