package object

import (
	"bytes"

	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/ugorji/go/codec"
)

// DataOStream serialises the values written by a Distributable.
type DataOStream struct {
	buf []byte
}

// NewDataOStream ...
func NewDataOStream() *DataOStream {
	return &DataOStream{}
}

// Write appends v to the stream.
func (s *DataOStream) Write(v interface{}) error {
	data, err := packet.Encode(v)
	if err != nil {
		return err
	}
	s.buf = append(s.buf, data...)
	return nil
}

// Len returns the number of bytes written.
func (s *DataOStream) Len() int {
	return len(s.buf)
}

// Bytes ...
func (s *DataOStream) Bytes() []byte {
	return s.buf
}

// DataIStream reads back the values of a DataOStream, in the order they were
// written.
type DataIStream struct {
	data   []byte
	reader *bytes.Reader
	dec    *codec.Decoder
}

// NewDataIStream ...
func NewDataIStream(data []byte) *DataIStream {
	r := bytes.NewReader(data)
	return &DataIStream{
		data:   data,
		reader: r,
		dec:    codec.NewDecoder(r, packet.NewHandle()),
	}
}

// Read decodes the next value into v.
func (s *DataIStream) Read(v interface{}) error {
	return s.dec.Decode(v)
}

// Len returns the number of bytes left to read.
func (s *DataIStream) Len() int {
	return s.reader.Len()
}

// Bytes returns the data of the whole stream.
func (s *DataIStream) Bytes() []byte {
	return s.data
}
