package params

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

const (
	codecMagic   = "FLP1"
	maxRank      = 8
	maxDimension = 1 << 28
)

// WriteTensor writes t in the little-endian tensor layout: rank, dims, values.
func WriteTensor(w io.Writer, t Tensor) error {
	if err := t.Validate(); err != nil {
		return err
	}
	hdr := make([]byte, 4+4*len(t.Shape))
	binary.LittleEndian.PutUint32(hdr, uint32(len(t.Shape)))
	for i, d := range t.Shape {
		binary.LittleEndian.PutUint32(hdr[4+4*i:], uint32(d))
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// ReadTensor reads one tensor written by WriteTensor.
func ReadTensor(r io.Reader) (Tensor, error) {
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return Tensor{}, fmt.Errorf("%w: rank: %v", ErrCorruptData, err)
	}
	if rank > maxRank {
		return Tensor{}, fmt.Errorf("%w: rank %d", ErrCorruptData, rank)
	}
	dims := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return Tensor{}, fmt.Errorf("%w: dims: %v", ErrCorruptData, err)
	}
	shape := make([]int, rank)
	n := 1
	for i, d := range dims {
		if d > maxDimension || n*int(d) > maxDimension {
			return Tensor{}, fmt.Errorf("%w: dimension %d too large", ErrCorruptData, d)
		}
		shape[i] = int(d)
		n *= int(d)
	}
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Tensor{}, fmt.Errorf("%w: values: %v", ErrCorruptData, err)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// MarshalBinary encodes the parameters as magic, tensor count and tensors.
func (p Parameters) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(codecMagic)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(p))); err != nil {
		return nil, err
	}
	for i, t := range p {
		if err := WriteTensor(&buf, t); err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (p *Parameters) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	magic := make([]byte, len(codecMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != codecMagic {
		return fmt.Errorf("%w: bad header", ErrCorruptData)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: count: %v", ErrCorruptData, err)
	}
	out := make(Parameters, 0, min(int(count), 1024))
	for i := 0; i < int(count); i++ {
		t, err := ReadTensor(r)
		if err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
		out = append(out, t)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, r.Len())
	}
	*p = out
	return nil
}

// MarshalJSON encodes the parameters as a base64 string of the binary form.
func (p Parameters) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	raw, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

// UnmarshalJSON decodes the base64 form written by MarshalJSON.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return p.UnmarshalBinary(raw)
}
