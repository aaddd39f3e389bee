package tcp

import (
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi"
)

// newLocalCluster binds one loopback listener per rank and connects the full
// mesh inside the test process.
func newLocalCluster(t *testing.T, n int) []*Comm {
	t.Helper()
	runID := uuid.New()
	listeners := make([]net.Listener, n)
	peers := make([]string, n)
	for r := 0; r < n; r++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[r] = lis
		peers[r] = lis.Addr().String()
	}
	comms := make([]*Comm, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c, err := New(r, peers, runID, false, listeners[r])
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			comms[r] = c
		}(r)
	}
	wg.Wait()
	require.NoError(t, firstErr)
	t.Cleanup(func() {
		for _, c := range comms {
			if c != nil {
				c.Close()
			}
		}
	})
	return comms
}

func runRanks(t *testing.T, comms []*Comm, f func(c *Comm, rank int)) {
	t.Helper()
	var wg sync.WaitGroup
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c *Comm) {
			defer wg.Done()
			f(c, r)
		}(r, c)
	}
	wg.Wait()
}

func TestMeshSendRecv(t *testing.T) {
	comms := newLocalCluster(t, 3)
	runRanks(t, comms, func(c *Comm, rank int) {
		// Everyone sends its rank to everyone else.
		var rs []*mpi.Request
		for dst := 0; dst < 3; dst++ {
			if dst == rank {
				continue
			}
			rs = append(rs, c.Isend([]byte{byte(rank)}, dst, 1))
		}
		for src := 0; src < 3; src++ {
			if src == rank {
				continue
			}
			buf := make([]byte, 1)
			require.NoError(t, c.Irecv(buf, src, 1).Wait())
			assert.Equal(t, byte(src), buf[0])
		}
		for _, r := range rs {
			require.NoError(t, r.Wait())
		}
	})
}

func TestTCPAllReduce(t *testing.T) {
	comms := newLocalCluster(t, 4)
	runRanks(t, comms, func(c *Comm, rank int) {
		v := base.NewVector(5, base.F64)
		for i := range v.AsF64() {
			v.AsF64()[i] = float64(rank + 1)
		}
		require.NoError(t, c.AllReduce(v, base.SUM))
		for _, x := range v.AsF64() {
			assert.Equal(t, float64(10), x)
		}
	})
}

func TestTCPIallreduceConcurrent(t *testing.T) {
	comms := newLocalCluster(t, 2)
	runRanks(t, comms, func(c *Comm, rank int) {
		var rs []*mpi.Request
		vs := make([]*base.Vector, 3)
		for i := range vs {
			vs[i] = base.NewVector(1, base.I64)
			vs[i].AsI64()[0] = int64(rank + i)
			rs = append(rs, c.Iallreduce(vs[i], base.SUM))
		}
		for _, r := range rs {
			require.NoError(t, r.Wait())
		}
		for i, v := range vs {
			assert.Equal(t, int64(1+2*i), v.AsI64()[0])
		}
	})
}

func TestTCPAllGatherAndBcast(t *testing.T) {
	comms := newLocalCluster(t, 3)
	runRanks(t, comms, func(c *Comm, rank int) {
		send := base.NewVector(1, base.I32)
		send.AsI32()[0] = int32(rank * 2)
		recv := base.NewVector(3, base.I32)
		require.NoError(t, c.AllGather(send, recv))
		assert.Equal(t, []int32{0, 2, 4}, recv.AsI32())

		buf := make([]byte, 3)
		if rank == 2 {
			copy(buf, []byte{5, 6, 7})
		}
		require.NoError(t, c.Bcast(buf, 2))
		assert.Equal(t, []byte{5, 6, 7}, buf)
	})
}

func TestTCPBarrier(t *testing.T) {
	comms := newLocalCluster(t, 3)
	runRanks(t, comms, func(c *Comm, rank int) {
		require.NoError(t, c.WaitAll())
	})
}

func TestMessageRoundTrip(t *testing.T) {
	m := newMessage(2, 77, []byte{1, 2, 3})
	var sb safeBuffer
	require.NoError(t, m.WriteTo(&sb))
	var got message
	require.NoError(t, got.ReadFrom(&sb))
	assert.Equal(t, uint32(2), got.SrcRank)
	assert.Equal(t, uint64(77), got.Tag)
	assert.Equal(t, []byte{1, 2, 3}, got.Data)
}

type safeBuffer struct {
	bs []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.bs = append(b.bs, p...)
	return len(p), nil
}

func (b *safeBuffer) Read(p []byte) (int, error) {
	n := copy(p, b.bs)
	b.bs = b.bs[n:]
	return n, nil
}
