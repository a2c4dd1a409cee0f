package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
)

// ErrSendBusy means another send held the connection until the timeout.
var ErrSendBusy = errors.New("send side busy")

// Peer is the send side of one client connection. Writes are serialised so
// a broadcast line can never land inside a GET response.
type Peer struct {
	ID   string
	conn net.Conn

	// one token, held for the length of a send
	wlock     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newPeer(id string, conn net.Conn) *Peer {
	return &Peer{ID: id, conn: conn, wlock: make(chan struct{}, 1)}
}

func (p *Peer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes one line.
func (p *Peer) Send(line string) error {
	return p.write(func(w io.Writer) error {
		return messages.SendLine(w, line)
	})
}

// SendTimeout writes one line, giving up after timeout. The timeout covers
// waiting for a send already in progress, e.g. a GET response to a client
// that stopped reading. A zero timeout waits forever.
func (p *Peer) SendTimeout(line string, timeout time.Duration) error {
	if timeout <= 0 {
		return p.Send(line)
	}
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.wlock <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w for %s", ErrSendBusy, timeout)
	}
	defer func() { <-p.wlock }()

	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer p.conn.SetWriteDeadline(time.Time{})
	return messages.SendLine(p.conn, line)
}

// write runs fn with exclusive access to the connection's send side.
func (p *Peer) write(fn func(w io.Writer) error) error {
	p.wlock <- struct{}{}
	defer func() { <-p.wlock }()
	return fn(p.conn)
}

// Close closes the connection. Only the first call has an effect.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Registry is the set of connections a broadcast goes to.
type Registry struct {
	mu       sync.Mutex
	peers    map[*Peer]struct{}
	capacity int
}

// NewRegistry creates a registry holding at most capacity peers; 0 means no
// limit.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		peers:    make(map[*Peer]struct{}),
		capacity: capacity,
	}
}

// Register adds p. It returns false, leaving the registry unchanged, when the
// registry is full.
func (r *Registry) Register(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p]; ok {
		return true
	}
	if r.capacity > 0 && len(r.peers) >= r.capacity {
		return false
	}
	r.peers[p] = struct{}{}
	return true
}

// Unregister removes p; removing an unknown peer is a no-op.
func (r *Registry) Unregister(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
}

// Snapshot copies the current members so callers can send without holding
// the lock.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*Peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
