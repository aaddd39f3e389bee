// Package tcp implements mpi.Comm over a full mesh of TCP connections.
// Collectives are built from the point-to-point layer on tags reserved above
// the user tag space, rooted at the main rank.
package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/monitor"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/utils"
)

const (
	connRetryCount  = 120
	connRetryPeriod = 250 * time.Millisecond

	// collTagBase keeps collective traffic out of the caller's tag space.
	collTagBase = 1 << 40
)

type Comm struct {
	rank  int
	peers []string
	runID uuid.UUID
	gdr   bool

	lis   net.Listener
	box   *mpi.Mailbox
	conns []*conn

	seq   int64
	seqMu sync.Mutex

	closed chan struct{}
}

type conn struct {
	mu sync.Mutex
	c  net.Conn
}

func (c *conn) send(m *message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.WriteTo(c.c)
}

// New builds the communicator for rank over the given peer addresses,
// listening on lis (which must be bound to peers[rank]). It blocks until the
// full mesh is connected: this rank dials every lower rank and accepts from
// every higher rank.
func New(rank int, peers []string, runID uuid.UUID, gdr bool, lis net.Listener) (*Comm, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("rank %d out of range [0, %d)", rank, len(peers))
	}
	c := &Comm{
		rank:   rank,
		peers:  peers,
		runID:  runID,
		gdr:    gdr,
		lis:    lis,
		box:    mpi.NewMailbox(),
		conns:  make([]*conn, len(peers)),
		closed: make(chan struct{}),
	}
	var wg sync.WaitGroup
	var dialErr, acceptErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		dialErr = c.dialAll()
	}()
	go func() {
		defer wg.Done()
		acceptErr = c.acceptAll()
	}()
	wg.Wait()
	if dialErr != nil {
		return nil, dialErr
	}
	if acceptErr != nil {
		return nil, acceptErr
	}
	for r, cn := range c.conns {
		if r != rank {
			go c.readLoop(r, cn)
		}
	}
	log.Debugf("rank %d connected to %d peers", rank, len(peers)-1)
	return c, nil
}

func (c *Comm) dialAll() error {
	for r := 0; r < c.rank; r++ {
		nc, err := dialRetry(c.peers[r])
		if err != nil {
			return errors.Wrapf(err, "dial rank %d (%s)", r, c.peers[r])
		}
		h := connectionHeader{RunID: c.runID, SrcRank: uint32(c.rank)}
		if err := h.WriteTo(nc); err != nil {
			return errors.Wrapf(err, "handshake with rank %d", r)
		}
		c.conns[r] = &conn{c: nc}
	}
	return nil
}

func dialRetry(addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < connRetryCount; i++ {
		nc, err := net.Dial("tcp", addr)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		time.Sleep(connRetryPeriod)
	}
	return nil, lastErr
}

func (c *Comm) acceptAll() error {
	for n := len(c.peers) - 1 - c.rank; n > 0; n-- {
		nc, err := c.lis.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		var h connectionHeader
		if err := h.ReadFrom(nc); err != nil {
			return errors.Wrap(err, "read handshake")
		}
		if h.RunID != c.runID {
			nc.Close()
			return errors.Errorf("peer %s belongs to run %s, not %s", nc.RemoteAddr(), h.RunID, c.runID)
		}
		r := int(h.SrcRank)
		if r <= c.rank || r >= len(c.peers) {
			nc.Close()
			return errors.Errorf("unexpected handshake from rank %d", r)
		}
		c.conns[r] = &conn{c: nc}
	}
	return nil
}

func (c *Comm) readLoop(peer int, cn *conn) {
	for {
		var m message
		if err := m.ReadFrom(cn.c); err != nil {
			select {
			case <-c.closed:
			default:
				log.Warnf("connection from rank %d broken: %v", peer, err)
			}
			return
		}
		monitor.Ingress(int64(len(m.Data)), c.peers[peer])
		c.box.Put(int(m.SrcRank), int(m.Tag), m.Data)
	}
}

func (c *Comm) nextSeq() int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

func collTag(seq int64) int {
	return collTagBase + int(seq)
}

func (c *Comm) NumNodesInUse() int { return len(c.peers) }
func (c *Comm) CurrentNodeRank() int { return c.rank }
func (c *Comm) MainNodeRank() int { return 0 }
func (c *Comm) IsMainNode() bool { return c.rank == c.MainNodeRank() }
func (c *Comm) UseGpuGdr() bool { return c.gdr }

func (c *Comm) send(dest, tag int, buf []byte) error {
	if dest == c.rank {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		c.box.Put(c.rank, tag, cp)
		return nil
	}
	monitor.Egress(int64(len(buf)), c.peers[dest])
	return c.conns[dest].send(newMessage(c.rank, tag, buf))
}

func (c *Comm) recv(source, tag int, buf []byte) error {
	data := c.box.Get(source, tag)
	if len(data) != len(buf) {
		return errors.Errorf("message size %d does not match receive buffer %d", len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (c *Comm) Isend(buf []byte, dest, tag int) *mpi.Request {
	r := mpi.NewRequest("Isend")
	if dest < 0 || dest >= len(c.peers) {
		r.Complete(errors.Errorf("invalid dest rank %d", dest))
		return r
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	go func() {
		r.Complete(c.send(dest, tag, cp))
	}()
	return r
}

func (c *Comm) Irecv(buf []byte, source, tag int) *mpi.Request {
	r := mpi.NewRequest("Irecv")
	if source < 0 || source >= len(c.peers) {
		r.Complete(errors.Errorf("invalid source rank %d", source))
		return r
	}
	go func() {
		r.Complete(c.recv(source, tag, buf))
	}()
	return r
}

func (c *Comm) Close() error {
	close(c.closed)
	errs := []error{c.lis.Close()}
	for _, cn := range c.conns {
		if cn != nil {
			errs = append(errs, cn.c.Close())
		}
	}
	return utils.MergeErrors(errs, "close")
}
