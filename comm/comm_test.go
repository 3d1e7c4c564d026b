package comm

import (
	"fmt"
	"testing"

	"github.com/notargets/DGMesh/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllGatherAndAllToAll(t *testing.T) {
	const n = 4
	err := RunLocal(n, func(c Communicator) error {
		gathered, err := AllGatherUint64s(c, []uint64{uint64(c.Rank()), uint64(c.Rank() * 10)})
		if err != nil {
			return err
		}
		for src, vs := range gathered {
			if len(vs) != 2 || vs[0] != uint64(src) || vs[1] != uint64(src*10) {
				return fmt.Errorf("rank %d: bad gather from %d: %v", c.Rank(), src, vs)
			}
		}

		send := make([][]uint64, n)
		for dst := range send {
			// rank r sends r*100+dst repeated dst times
			for i := 0; i < dst; i++ {
				send[dst] = append(send[dst], uint64(c.Rank()*100+dst))
			}
		}
		recv, err := AllToAllUint64s(c, send)
		if err != nil {
			return err
		}
		for src, vs := range recv {
			if len(vs) != c.Rank() {
				return fmt.Errorf("rank %d: got %d values from %d", c.Rank(), len(vs), src)
			}
			for _, v := range vs {
				if v != uint64(src*100+c.Rank()) {
					return fmt.Errorf("rank %d: unexpected value %d from %d", c.Rank(), v, src)
				}
			}
		}
		return c.Barrier()
	})
	require.NoError(t, err)
}

func TestAllReduce(t *testing.T) {
	err := RunLocal(3, func(c Communicator) error {
		v := int64(c.Rank()*2 - 1)
		lo, err := c.AllReduce(v, OpMin)
		if err != nil {
			return err
		}
		hi, err := c.AllReduce(v, OpMax)
		if err != nil {
			return err
		}
		sum, err := c.AllReduce(v, OpSum)
		if err != nil {
			return err
		}
		if lo != -1 || hi != 3 || sum != 3 {
			return fmt.Errorf("rank %d: min=%d max=%d sum=%d", c.Rank(), lo, hi, sum)
		}
		offset, total, err := ExclusiveScan(c, c.Rank()+1)
		if err != nil {
			return err
		}
		want := []int{0, 1, 3}[c.Rank()]
		if offset != want || total != 6 {
			return fmt.Errorf("rank %d: scan offset=%d total=%d", c.Rank(), offset, total)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRunLocalAbortReleasesBlockedRanks(t *testing.T) {
	boom := fmt.Errorf("rank 1 failed before the collective")
	err := RunLocal(3, func(c Communicator) error {
		if c.Rank() == 1 {
			return boom
		}
		// the other ranks would wait forever without the abort
		err := c.Barrier()
		if !errors.Is(err, errors.ErrAborted) {
			return fmt.Errorf("rank %d: expected aborted collective, got %v", c.Rank(), err)
		}
		return err
	})
	assert.Equal(t, boom, err)
}

func TestRunLocalPanicBecomesError(t *testing.T) {
	err := RunLocal(2, func(c Communicator) error {
		if c.Rank() == 0 {
			panic("unresolved global id")
		}
		return c.Barrier()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 0: panic: unresolved global id")
}

func TestReaderTruncated(t *testing.T) {
	var b Buffer
	b.PutUint64s([]uint64{1, 2, 3})
	b.PutFloat64(2.5)
	b.PutBool(true)
	r := NewReader(b.Bytes())
	assert.Equal(t, []uint64{1, 2, 3}, r.Uint64s())
	assert.Equal(t, 2.5, r.Float64())
	assert.True(t, r.Bool())
	assert.False(t, r.More())
	require.NoError(t, r.Err())

	short := NewReader(b.Bytes()[:12])
	assert.Nil(t, short.Uint64s())
	assert.True(t, errors.Is(short.Err(), errors.ErrProtocol))
}

func TestReaderHugeLength(t *testing.T) {
	var b Buffer
	b.PutInt(1 << 61)
	b.PutUint64(7)
	r := NewReader(b.Bytes())
	assert.Nil(t, r.Uint64s())
	assert.True(t, errors.Is(r.Err(), errors.ErrProtocol), "%v", r.Err())

	r = NewReader(b.Bytes())
	assert.Nil(t, r.Float64s())
	assert.True(t, errors.Is(r.Err(), errors.ErrProtocol), "%v", r.Err())

	r = NewReader(b.Bytes())
	assert.Equal(t, "", r.Str())
	assert.True(t, errors.Is(r.Err(), errors.ErrProtocol), "%v", r.Err())

	r = NewReader(b.Bytes())
	r.Failf("bad record %d", 3)
	r.Failf("second")
	assert.Equal(t, uint64(0), r.Uint64())
	assert.Contains(t, r.Err().Error(), "bad record 3")
}
