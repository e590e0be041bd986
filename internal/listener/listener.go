// Package listener owns the receive side of a transport. It polls with a
// bounded timeout, decodes datagrams, and hands units to the node loop over
// a channel so the engine is only ever touched by one goroutine.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/viewsync/internal/observability"
	"github.com/danmuck/viewsync/internal/protocol"
	"github.com/danmuck/viewsync/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("listener: already started")
	ErrJoinTimeout    = errors.New("listener: join timed out")
)

const (
	DefaultPollTimeout = time.Second
	DefaultBuffer      = 256
)

// Inbound is one decoded unit ready for the engine.
type Inbound struct {
	Unit       protocol.Unit
	From       string
	ReceivedAt time.Time
}

type Config struct {
	Node        string
	PollTimeout time.Duration
	Buffer      int
}

type Listener struct {
	cfg    Config
	tr     transport.Transport
	logger zerolog.Logger

	inbound chan Inbound
	errs    chan error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, tr transport.Transport, logger zerolog.Logger) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Listener{
		cfg:     cfg,
		tr:      tr,
		logger:  logger.With().Str("component", "listener").Logger(),
		inbound: make(chan Inbound, cfg.Buffer),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Inbound returns the channel decoded units arrive on.
func (l *Listener) Inbound() <-chan Inbound { return l.inbound }

// Errors reports the receive failure that ended the loop, at most once.
func (l *Listener) Errors() <-chan error { return l.errs }

// Start launches the poll loop in its own goroutine.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		defer close(l.done)
		if err := l.Run(ctx); err != nil {
			l.errs <- err
		}
	}()
	return nil
}

// Run polls until ctx is cancelled or the transport fails. Timeouts are the
// cancellation check point; malformed datagrams are logged and dropped.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Debug().Dur("poll_timeout", l.cfg.PollTimeout).Msg("listener started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := l.tr.Receive(l.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) && ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Msg("receive failed")
			return err
		}
		u, err := protocol.Decode(d.Payload)
		if err != nil {
			observability.RecordMalformed(l.cfg.Node)
			l.logger.Warn().Err(err).Str("from", d.From).Int("bytes", len(d.Payload)).Msg("discarding malformed datagram")
			continue
		}
		select {
		case l.inbound <- Inbound{Unit: u, From: d.From, ReceivedAt: d.ReceivedAt}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop cancels the loop and waits up to timeout for it to exit. The loop only
// notices cancellation between polls, so timeout should exceed the poll timeout.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	started, cancel := l.started, l.cancel
	l.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return ErrJoinTimeout
	}
}
