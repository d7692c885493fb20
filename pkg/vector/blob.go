package vector

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ErrInvalidBlob is returned when a persisted vector blob cannot be decoded,
// typically because its length isn't a multiple of 4 bytes.
var ErrInvalidBlob = fmt.Errorf("vector: invalid blob")

// EncodeBlob packs v as consecutive little-endian float32 values with no
// length prefix and no framing: the dimension is recovered from len(blob)/4,
// or read back from a separate "dimensions" column when the caller already
// knows it. This differs from the teacher's EncodeVector, which prefixes an
// int32 length; here the vectors table stores dimensions alongside the blob.
func EncodeBlob(v []float32) ([]byte, error) {
	if v == nil {
		return nil, ErrInvalidBlob
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	for _, x := range v {
		if err := binary.Write(buf, binary.LittleEndian, x); err != nil {
			return nil, fmt.Errorf("vector: encode component: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeBlob unpacks a blob produced by EncodeBlob. len(data) must be a
// multiple of 4.
func DecodeBlob(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrInvalidBlob
	}
	n := len(data) / 4
	out := make([]float32, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return nil, fmt.Errorf("vector: decode component %d: %w", i, err)
		}
	}
	return out, nil
}
