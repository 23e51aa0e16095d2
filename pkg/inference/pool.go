package inference

import (
	"context"
	"fmt"
	"sync"
)

// Pool fixed-size set of independent connections. Broken connections are
// discarded on release and redialed lazily by the next Acquire of that slot.
// A slot's conn is only changed by whoever holds the slot out of idle.
type Pool struct {
	transport Transport
	size      int
	idle      chan *slot
	slots     []*slot

	mu     sync.Mutex
	closed bool
}

type slot struct {
	index int
	conn  Conn
}

// Lease exclusive use of one pooled connection until Release or Discard
type Lease struct {
	pool *Pool
	slot *slot
	once sync.Once
}

// PoolStats snapshot of pool occupancy
type PoolStats struct {
	Size      int `json:"size"`
	Idle      int `json:"idle"`
	Connected int `json:"connected"`
}

// NewPool creates a pool with size slots, none dialed yet
func NewPool(transport Transport, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		transport: transport,
		size:      size,
		idle:      make(chan *slot, size),
		slots:     make([]*slot, size),
	}
	for i := 0; i < size; i++ {
		s := &slot{index: i}
		p.slots[i] = s
		p.idle <- s
	}
	return p
}

// Fill dials the idle slots that have no connection. Leased slots are left to
// their owners. On failure only the connections dialed by this call are closed.
func (p *Pool) Fill(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}
	owned := p.drainIdle()
	defer func() {
		for _, s := range owned {
			p.putBack(s)
		}
	}()

	var dialed []*slot
	for _, s := range owned {
		if s.conn != nil {
			continue
		}
		conn, err := p.transport.Dial(ctx)
		if err != nil {
			for _, d := range dialed {
				_ = d.conn.Close()
				p.setConn(d, nil)
			}
			return fmt.Errorf("failed to dial connection %d/%d: %w", s.index+1, p.size, err)
		}
		p.setConn(s, conn)
		dialed = append(dialed, s)
	}
	return nil
}

// Acquire waits for an idle connection until ctx is done
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	var s *slot
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}

	if p.isClosed() {
		p.putBack(s)
		return nil, ErrClosed
	}

	if s.conn == nil {
		conn, err := p.transport.Dial(ctx)
		if err != nil {
			p.putBack(s)
			return nil, fmt.Errorf("failed to redial connection %d: %w", s.index+1, err)
		}
		p.setConn(s, conn)
	}
	return &Lease{pool: p, slot: s}, nil
}

// Conn the leased connection
func (l *Lease) Conn() Conn {
	return l.slot.conn
}

// Release returns the connection. Transport errors discard it.
func (l *Lease) Release(err error) {
	if keepsConnection(err) {
		l.done(false)
		return
	}
	l.done(true)
}

// Discard closes the connection and frees the slot
func (l *Lease) Discard() {
	l.done(true)
}

func (l *Lease) done(discard bool) {
	l.once.Do(func() {
		if discard || l.pool.isClosed() {
			if l.slot.conn != nil {
				_ = l.slot.conn.Close()
				l.pool.setConn(l.slot, nil)
			}
		}
		l.pool.putBack(l.slot)
	})
}

// Stats returns pool occupancy
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	connected := 0
	for _, s := range p.slots {
		if s.conn != nil {
			connected++
		}
	}
	return PoolStats{Size: p.size, Idle: len(p.idle), Connected: connected}
}

// Close closes idle connections; leased ones are closed on release
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, s := range p.drainIdle() {
		if s.conn != nil {
			_ = s.conn.Close()
			p.setConn(s, nil)
		}
		p.putBack(s)
	}
}

// drainIdle takes every idle slot without waiting. The caller owns them
// until putBack.
func (p *Pool) drainIdle() []*slot {
	var drained []*slot
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
		default:
			return drained
		}
	}
}

// setConn is only called by the slot's current owner; the lock orders the
// write against Stats.
func (p *Pool) setConn(s *slot, conn Conn) {
	p.mu.Lock()
	s.conn = conn
	p.mu.Unlock()
}

func (p *Pool) putBack(s *slot) {
	select {
	case p.idle <- s:
	default:
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
