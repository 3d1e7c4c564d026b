package comm

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/golang/snappy"
	"github.com/notargets/DGMesh/errors"
)

// Buffer accumulates a little-endian wire frame
type Buffer struct {
	b []byte
}

func (b *Buffer) PutUint64(v uint64) {
	b.b = binary.LittleEndian.AppendUint64(b.b, v)
}

func (b *Buffer) PutInt(v int) {
	b.PutUint64(uint64(int64(v)))
}

func (b *Buffer) PutFloat64(v float64) {
	b.PutUint64(math.Float64bits(v))
}

func (b *Buffer) PutBool(v bool) {
	if v {
		b.b = append(b.b, 1)
		return
	}
	b.b = append(b.b, 0)
}

// PutString writes a length-prefixed string
func (b *Buffer) PutString(s string) {
	b.PutInt(len(s))
	b.b = append(b.b, s...)
}

// PutUint64s writes a length-prefixed list
func (b *Buffer) PutUint64s(vs []uint64) {
	b.PutInt(len(vs))
	for _, v := range vs {
		b.PutUint64(v)
	}
}

// PutFloat64s writes a length-prefixed list
func (b *Buffer) PutFloat64s(vs []float64) {
	b.PutInt(len(vs))
	for _, v := range vs {
		b.PutFloat64(v)
	}
}

func (b *Buffer) Len() int      { return len(b.b) }
func (b *Buffer) Bytes() []byte { return b.b }

// Reader consumes a frame written by Buffer. The first short read is
// remembered and every later read returns zero; check Err once at the end.
type Reader struct {
	b   []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > len(r.b)-r.off {
		r.err = errors.Newf(errors.ErrProtocol, "truncated frame: need %d bytes at offset %d of %d",
			n, r.off, len(r.b))
		return false
	}
	return true
}

func (r *Reader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Int() int {
	return int(int64(r.Uint64()))
}

func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

func (r *Reader) Bool() bool {
	if !r.need(1) {
		return false
	}
	v := r.b[r.off] != 0
	r.off++
	return v
}

func (r *Reader) Str() string {
	n := r.Int()
	if n < 0 || !r.need(n) {
		r.fail(n)
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

func (r *Reader) Uint64s() []uint64 {
	n := r.Int()
	if n < 0 || n > (len(r.b)-r.off)/8 || !r.need(8*n) {
		r.fail(n)
		return nil
	}
	vs := make([]uint64, n)
	for i := range vs {
		vs[i] = r.Uint64()
	}
	return vs
}

func (r *Reader) Float64s() []float64 {
	n := r.Int()
	if n < 0 || n > (len(r.b)-r.off)/8 || !r.need(8*n) {
		r.fail(n)
		return nil
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = r.Float64()
	}
	return vs
}

func (r *Reader) fail(n int) {
	r.Failf("invalid list length %d at offset %d", n, r.off)
}

// Failf records a protocol error found by the caller while decoding. Only
// the first error is kept.
func (r *Reader) Failf(format string, args ...interface{}) {
	if r.err == nil {
		r.err = errors.Newf(errors.ErrProtocol, format, args...)
	}
}

// More reports whether unread bytes remain
func (r *Reader) More() bool { return r.err == nil && r.off < len(r.b) }

func (r *Reader) Err() error { return r.err }

// AllToAllFrames is AllToAll with every frame snappy-compressed on the wire
func AllToAllFrames(c Communicator, send [][]byte) ([][]byte, error) {
	packed := make([][]byte, len(send))
	for i, b := range send {
		packed[i] = snappy.Encode(nil, b)
	}
	recv, err := c.AllToAll(packed)
	if err != nil {
		return nil, err
	}
	return decodeFrames(recv)
}

// AllGatherFrames is AllGather with the frame snappy-compressed on the wire
func AllGatherFrames(c Communicator, send []byte) ([][]byte, error) {
	recv, err := c.AllGather(snappy.Encode(nil, send))
	if err != nil {
		return nil, err
	}
	return decodeFrames(recv)
}

func decodeFrames(recv [][]byte) ([][]byte, error) {
	out := make([][]byte, len(recv))
	for src, b := range recv {
		d, err := snappy.Decode(nil, b)
		if err != nil {
			return nil, errors.WrapCode(err, errors.ErrProtocol, "decoding frame from rank "+strconv.Itoa(src))
		}
		out[src] = d
	}
	return out, nil
}

func encodeUint64s(vs []uint64) []byte {
	var b Buffer
	b.PutUint64s(vs)
	return b.Bytes()
}

func decodeUint64s(b []byte) ([]uint64, error) {
	r := NewReader(b)
	vs := r.Uint64s()
	return vs, r.Err()
}

// AllGatherUint64s gathers one list from every rank
func AllGatherUint64s(c Communicator, send []uint64) ([][]uint64, error) {
	recv, err := AllGatherFrames(c, encodeUint64s(send))
	if err != nil {
		return nil, err
	}
	out := make([][]uint64, len(recv))
	for src, b := range recv {
		if out[src], err = decodeUint64s(b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllGatherInt64s gathers one list from every rank
func AllGatherInt64s(c Communicator, send []int64) ([][]int64, error) {
	u := make([]uint64, len(send))
	for i, v := range send {
		u[i] = uint64(v)
	}
	all, err := AllGatherUint64s(c, u)
	if err != nil {
		return nil, err
	}
	out := make([][]int64, len(all))
	for src, vs := range all {
		out[src] = make([]int64, len(vs))
		for i, v := range vs {
			out[src][i] = int64(v)
		}
	}
	return out, nil
}

// AllToAllUint64s sends send[r] to rank r
func AllToAllUint64s(c Communicator, send [][]uint64) ([][]uint64, error) {
	frames := make([][]byte, c.Size())
	for r := range frames {
		if r < len(send) {
			frames[r] = encodeUint64s(send[r])
		} else {
			frames[r] = encodeUint64s(nil)
		}
	}
	recv, err := AllToAllFrames(c, frames)
	if err != nil {
		return nil, err
	}
	out := make([][]uint64, len(recv))
	for src, b := range recv {
		if out[src], err = decodeUint64s(b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExclusiveScan returns the sum of count over all lower ranks and the total
func ExclusiveScan(c Communicator, count int) (offset, total int, err error) {
	all, err := AllGatherInt64s(c, []int64{int64(count)})
	if err != nil {
		return 0, 0, err
	}
	for r, v := range all {
		if r < c.Rank() {
			offset += int(v[0])
		}
		total += int(v[0])
	}
	return offset, total, nil
}
