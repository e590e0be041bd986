package transport

import (
	"fmt"
	"sync"
	"time"
)

const defaultInboxSize = 256

// Packet describes one in-flight datagram on a Network.
type Packet struct {
	From    Endpoint
	To      Endpoint
	Payload []byte
}

// DropRule returns true when a packet should be lost in flight.
type DropRule func(Packet) bool

// Network is a shared in-process datagram fabric. It loses packets when a
// drop rule says so or when a receiver's inbox is full, like UDP would.
type Network struct {
	mu      sync.RWMutex
	inboxes map[Endpoint]chan Datagram
	drop    DropRule
	dropped int
}

func NewNetwork() *Network {
	return &Network{inboxes: make(map[Endpoint]chan Datagram)}
}

// Listen registers ep and returns its transport.
func (n *Network) Listen(ep Endpoint) (*Memory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[ep]; ok {
		return nil, fmt.Errorf("transport: endpoint %s already bound", ep)
	}
	inbox := make(chan Datagram, defaultInboxSize)
	n.inboxes[ep] = inbox
	return &Memory{net: n, self: ep, inbox: inbox, closed: make(chan struct{})}, nil
}

// SetDropRule replaces the loss rule; nil delivers everything.
func (n *Network) SetDropRule(rule DropRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = rule
}

// Dropped returns how many packets were lost in flight.
func (n *Network) Dropped() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

func (n *Network) deliver(p Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox, ok := n.inboxes[p.To]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, p.To)
	}
	if n.drop != nil && n.drop(p) {
		n.dropped++
		return nil
	}
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	select {
	case inbox <- Datagram{From: p.From.String(), Payload: payload, ReceivedAt: time.Now()}:
	default:
		n.dropped++
	}
	return nil
}

func (n *Network) unbind(ep Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inboxes, ep)
}

// Memory is one endpoint on a Network.
type Memory struct {
	net   *Network
	self  Endpoint
	inbox chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *Memory) Send(to Endpoint, payload []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	return m.net.deliver(Packet{From: m.self, To: to, Payload: payload})
}

func (m *Memory) Receive(timeout time.Duration) (Datagram, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-m.inbox:
		return d, nil
	case <-m.closed:
		return Datagram{}, ErrClosed
	case <-timer.C:
		return Datagram{}, ErrTimeout
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.net.unbind(m.self)
		close(m.closed)
	})
	return nil
}
