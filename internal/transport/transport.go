// Package transport owns unreliable datagram delivery between group members.
//
// Ownership boundary:
// - endpoint addressing
// - UDP socket lifecycle
// - in-memory lossy network for tests and local demos
//
// Send is fire-and-forget; Receive blocks for at most the given timeout.
// Nothing here retries: recovery belongs to the protocol engine.
package transport

import (
	"errors"
	"net"
	"strconv"
	"time"
)

var (
	ErrTimeout       = errors.New("transport: receive timeout")
	ErrClosed        = errors.New("transport: closed")
	ErrUnknownTarget = errors.New("transport: unknown target")
	ErrInvalidTarget = errors.New("transport: invalid target")
)

// Endpoint is a member's network address.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Datagram is one received packet.
type Datagram struct {
	From       string
	Payload    []byte
	ReceivedAt time.Time
}

// Transport is the datagram boundary used by the listener and the engine.
type Transport interface {
	Send(to Endpoint, payload []byte) error
	Receive(timeout time.Duration) (Datagram, error)
	Close() error
}
