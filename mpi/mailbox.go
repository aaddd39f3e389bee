package mpi

import "sync"

type mailKey struct {
	src int
	tag int
}

// Mailbox matches incoming point-to-point messages to receivers by
// (source rank, tag). Deliveries from one source with one tag keep order;
// Get blocks until a matching message arrives. Shared by the transports.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[mailKey][][]byte
}

func NewMailbox() *Mailbox {
	m := &Mailbox{queues: make(map[mailKey][][]byte)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) Put(src, tag int, data []byte) {
	k := mailKey{src: src, tag: tag}
	m.mu.Lock()
	m.queues[k] = append(m.queues[k], data)
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *Mailbox) Get(src, tag int) []byte {
	k := mailKey{src: src, tag: tag}
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queues[k]) == 0 {
		m.cond.Wait()
	}
	q := m.queues[k]
	data := q[0]
	m.queues[k] = q[1:]
	return data
}
