package internal

import (
	"sync"

	"github.com/chatmesh/chatmesh/pkg/errors"
)

// LocalConn is the server side of one attached client: its identity and
// the FIFO outbound queue drained by the connection's write pump.
// Closing is idempotent; a closed connection rejects further enqueues.
type LocalConn struct {
	Identity string
	Addr     string

	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewLocalConn(identity string, addr string, queueLength int) *LocalConn {
	if queueLength <= 0 {
		queueLength = 64
	}
	return &LocalConn{
		Identity: identity,
		Addr:     addr,
		outbound: make(chan []byte, queueLength),
		done:     make(chan struct{}),
	}
}

// Outbound is drained by exactly one write pump, which preserves the
// per-connection FIFO ordering of enqueued messages.
func (c *LocalConn) Outbound() <-chan []byte {
	return c.outbound
}

// Done unblocks anything waiting on the connection when it closes.
func (c *LocalConn) Done() <-chan struct{} {
	return c.done
}

func (c *LocalConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue appends a frame to the outbound queue without blocking. A
// full queue means the write pump is not draining; the frame is
// refused and the failure is surfaced to the sender as backpressure.
func (c *LocalConn) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return &errors.NotFound{Identity: c.Identity}
	case c.outbound <- payload:
		return nil
	default:
		return &errors.QueueFull{Identity: c.Identity}
	}
}

// Registry tracks the clients attached to this server, keyed by
// identity. Identities are unique per server at registration time.
type Registry struct {
	QueueLength int

	mut_conns sync.RWMutex
	conns     map[string]*LocalConn
}

func NewRegistry(queueLength int) *Registry {
	return &Registry{
		QueueLength: queueLength,
		conns:       make(map[string]*LocalConn),
	}
}

func (r *Registry) Register(identity string, addr string) (*LocalConn, error) {
	r.mut_conns.Lock()
	defer r.mut_conns.Unlock()

	if _, has := r.conns[identity]; has {
		return nil, &errors.DuplicateIdentity{Identity: identity}
	}

	conn := NewLocalConn(identity, addr, r.QueueLength)
	r.conns[identity] = conn
	return conn, nil
}

// Unregister removes and closes the connection for an identity. It is a
// no-op for identities that are not registered, and reports whether a
// registration was actually removed.
func (r *Registry) Unregister(identity string) bool {
	r.mut_conns.Lock()
	conn, has := r.conns[identity]
	if has {
		delete(r.conns, identity)
	}
	r.mut_conns.Unlock()

	if has {
		conn.Close()
	}
	return has
}

func (r *Registry) Lookup(identity string) *LocalConn {
	r.mut_conns.RLock()
	defer r.mut_conns.RUnlock()

	return r.conns[identity]
}

func (r *Registry) EnqueueOutbound(identity string, payload []byte) error {
	r.mut_conns.RLock()
	conn, has := r.conns[identity]
	r.mut_conns.RUnlock()

	if !has {
		return &errors.NotFound{Identity: identity}
	}
	return conn.Enqueue(payload)
}

// Identities returns a snapshot of every registered identity.
func (r *Registry) Identities() []string {
	r.mut_conns.RLock()
	defer r.mut_conns.RUnlock()

	out := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		out = append(out, identity)
	}
	return out
}

// Snapshot returns the live connections at one instant, for broadcast
// fanout distinct from map mutation.
func (r *Registry) Snapshot() []*LocalConn {
	r.mut_conns.RLock()
	defer r.mut_conns.RUnlock()

	out := make([]*LocalConn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}
