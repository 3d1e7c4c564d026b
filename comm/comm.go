// Package comm provides the message-passing collectives the mesh layer runs
// on: one Communicator per rank, blocking all_gather, all_to_all, all_reduce
// and barrier. World is an in-process implementation where every rank is a
// goroutine.
package comm

import (
	"fmt"
	"sync"

	"github.com/notargets/DGMesh/errors"
	"golang.org/x/sync/errgroup"
)

// Op is a reduction operator for AllReduce
type Op int

const (
	OpMin Op = iota
	OpMax
	OpSum
)

// Communicator is the parallel context handed to every component that takes
// part in collectives. All methods block until every rank has arrived.
type Communicator interface {
	Rank() int
	Size() int
	Barrier() error
	// AllGather returns the payload of every rank, indexed by rank
	AllGather(send []byte) ([][]byte, error)
	// AllToAll sends send[r] to rank r and returns what every rank sent here
	AllToAll(send [][]byte) ([][]byte, error)
	AllReduce(v int64, op Op) (int64, error)
}

// World connects Size ranks within one process
type World struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	slots      [][][]byte
	snapshot   [][][]byte
	arrived    int
	generation uint64
	err        error
	cause      error
}

// NewWorld creates a world of size ranks
func NewWorld(size int) *World {
	if size < 1 {
		size = 1
	}
	w := &World{
		size:  size,
		slots: make([][][]byte, size),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Comm returns the communicator of rank
func (w *World) Comm(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("rank %d outside world of size %d", rank, w.size))
	}
	return &localComm{world: w, rank: rank}
}

// Size returns the number of ranks
func (w *World) Size() int { return w.size }

// Abort releases every rank blocked in a collective; they return err wrapped
// as ErrAborted. Later collectives fail immediately.
func (w *World) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.cause = err
		w.err = errors.WrapCode(err, errors.ErrAborted, "world aborted")
	}
	w.cond.Broadcast()
}

// Cause returns the error the world was first aborted with
func (w *World) Cause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// exchange deposits payload for rank and waits until all ranks have
// deposited theirs, then returns the full matrix [src][dst].
func (w *World) exchange(rank int, payload [][]byte) ([][][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	gen := w.generation
	w.slots[rank] = payload
	w.arrived++
	if w.arrived == w.size {
		w.snapshot = w.slots
		w.slots = make([][][]byte, w.size)
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
		return w.snapshot, nil
	}
	for gen == w.generation && w.err == nil {
		w.cond.Wait()
	}
	if gen == w.generation {
		return nil, w.err
	}
	return w.snapshot, nil
}

type localComm struct {
	world *World
	rank  int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.world.size }

func (c *localComm) Barrier() error {
	_, err := c.world.exchange(c.rank, nil)
	return err
}

func (c *localComm) AllGather(send []byte) ([][]byte, error) {
	all, err := c.world.exchange(c.rank, [][]byte{send})
	if err != nil {
		return nil, err
	}
	recv := make([][]byte, c.world.size)
	for src := range all {
		recv[src] = cloneBytes(all[src][0])
	}
	return recv, nil
}

func (c *localComm) AllToAll(send [][]byte) ([][]byte, error) {
	if len(send) != c.world.size {
		return nil, errors.Newf(errors.ErrSetup, "all_to_all on rank %d: %d buffers for %d ranks",
			c.rank, len(send), c.world.size)
	}
	all, err := c.world.exchange(c.rank, send)
	if err != nil {
		return nil, err
	}
	recv := make([][]byte, c.world.size)
	for src := range all {
		recv[src] = cloneBytes(all[src][c.rank])
	}
	return recv, nil
}

func (c *localComm) AllReduce(v int64, op Op) (int64, error) {
	all, err := AllGatherInt64s(c, []int64{v})
	if err != nil {
		return 0, err
	}
	result := all[0][0]
	for _, vals := range all[1:] {
		x := vals[0]
		switch op {
		case OpMin:
			if x < result {
				result = x
			}
		case OpMax:
			if x > result {
				result = x
			}
		case OpSum:
			result += x
		default:
			return 0, errors.Newf(errors.ErrSetup, "unknown reduction op %d", op)
		}
	}
	return result, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// RunLocal runs fn once per rank of a new World of size ranks, each on its
// own goroutine. The first error or panic aborts the world so that no rank
// stays blocked in a collective, and is returned.
func RunLocal(size int, fn func(c Communicator) error) error {
	w := NewWorld(size)
	var g errgroup.Group
	for rank := 0; rank < w.Size(); rank++ {
		rank := rank
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("rank %d: panic: %v", rank, p)
				}
				if err != nil {
					w.Abort(err)
				}
			}()
			return fn(w.Comm(rank))
		})
	}
	err := g.Wait()
	if cause := w.Cause(); cause != nil {
		return cause
	}
	return err
}
