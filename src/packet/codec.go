package packet

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

var handle = NewHandle()

// NewHandle returns the msgpack handle shared by packet bodies, object data
// streams and stored versions.
func NewHandle() *codec.MsgpackHandle {
	mh := new(codec.MsgpackHandle)
	mh.WriteExt = true
	mh.Canonical = true
	return mh
}

// Encode serialises v with the packet handle.
func Encode(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode deserialises data into v with the packet handle.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, handle)
	return dec.Decode(v)
}
