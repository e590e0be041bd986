package viewsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/viewsync/internal/transport"
	"github.com/danmuck/viewsync/internal/vclock"
)

var (
	ErrNotActive       = errors.New("viewsync: not active")
	ErrNotCoordinator  = errors.New("viewsync: not the coordinator")
	ErrInvalidView     = errors.New("viewsync: invalid view")
	ErrInvalidConfig   = errors.New("viewsync: invalid config")
	// ErrMessageTooLarge means a multicast does not fit in one datagram.
	ErrMessageTooLarge = errors.New("viewsync: message too large")
)

const DefaultAckTimeout = 5 * time.Second

// ProcessID indexes a member in every clock and view.
type ProcessID uint16

// Member is a statically configured group endpoint.
type Member struct {
	ID      ProcessID
	Address string
	Port    int
}

func (m Member) Endpoint() transport.Endpoint {
	return transport.Endpoint{Address: m.Address, Port: m.Port}
}

// View is the membership mask for ordinary multicast traffic. It is always
// sized to the configured group, which never shrinks.
type View []bool

func FullView(n int) View {
	v := make(View, n)
	for i := range v {
		v[i] = true
	}
	return v
}

func (v View) Includes(id ProcessID) bool {
	return int(id) < len(v) && v[id]
}

func (v View) Clone() View {
	out := make(View, len(v))
	copy(out, v)
	return out
}

func (v View) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, in := range v {
		if i > 0 {
			b.WriteByte(' ')
		}
		if in {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(']')
	return b.String()
}

type State int

const (
	StateIdle State = iota
	StateActive
	// StateError is reserved; no transition enters it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is an application payload as delivered in causal order.
type Message struct {
	Clock   vclock.Clock
	Sender  ProcessID
	Header  string
	Content string
}

// DeliverFunc receives messages once they are causally deliverable.
type DeliverFunc func(Message)

// Sender is the outbound half of a transport.
type Sender interface {
	Send(to transport.Endpoint, payload []byte) error
}

// BackoffConfig shapes retransmit deadlines. The zero multiplier keeps the
// deadline constant at the ack timeout.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type Config struct {
	ID          ProcessID
	Coordinator ProcessID
	Members     map[ProcessID]Member
	AckTimeout  time.Duration
	Backoff     BackoffConfig
	// Incarnation names this process run. A coordinator stamps it on its
	// control units so members can tell a restarted coordinator's epochs
	// from the old ones. Empty means a random one is generated.
	Incarnation string
	// Now overrides the wall clock, mostly for tests.
	Now func() time.Time
}

// Validate checks that member ids are dense from zero, since clocks and
// views are indexed by ProcessID.
func (c Config) Validate() error {
	n := len(c.Members)
	if n == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidConfig)
	}
	for id, m := range c.Members {
		if int(id) >= n {
			return fmt.Errorf("%w: member ids must be 0..%d, found %d", ErrInvalidConfig, n-1, id)
		}
		if m.ID != id {
			return fmt.Errorf("%w: member keyed %d has id %d", ErrInvalidConfig, id, m.ID)
		}
		if strings.TrimSpace(m.Address) == "" {
			return fmt.Errorf("%w: member %d has no address", ErrInvalidConfig, id)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("%w: member %d port %d out of range", ErrInvalidConfig, id, m.Port)
		}
	}
	if _, ok := c.Members[c.ID]; !ok {
		return fmt.Errorf("%w: own id %d is not a member", ErrInvalidConfig, c.ID)
	}
	if _, ok := c.Members[c.Coordinator]; !ok {
		return fmt.Errorf("%w: coordinator %d is not a member", ErrInvalidConfig, c.Coordinator)
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("%w: negative ack timeout", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = c.AckTimeout
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = 1.0
	}
	if c.Incarnation == "" {
		c.Incarnation = uuid.NewString()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
