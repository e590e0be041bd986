// Package vclock implements the per-group vector clock used for causal
// delivery. A Clock has one counter per process, indexed by process id.
package vclock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSizeMismatch = errors.New("vclock: size mismatch")

// Clock is an ordered vector of counters.
type Clock []uint64

// New returns a zeroed clock for a group of n processes.
func New(n int) Clock {
	return make(Clock, n)
}

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	copy(out, c)
	return out
}

// Tick advances the counter owned by id and returns its new value.
func (c Clock) Tick(id int) uint64 {
	c[id]++
	return c[id]
}

// Merge raises every counter of c to at least the matching counter of other.
// It never lowers a counter.
func (c Clock) Merge(other Clock) error {
	if len(other) != len(c) {
		return fmt.Errorf("%w: local=%d other=%d", ErrSizeMismatch, len(c), len(other))
	}
	for i, v := range other {
		if v > c[i] {
			c[i] = v
		}
	}
	return nil
}

// Deliverable reports whether a message stamped msg by sender may be handed to
// the application given the local clock: the sender's counter may be at most
// one ahead and every other counter must already be covered locally.
func Deliverable(local, msg Clock, sender int) bool {
	if len(local) != len(msg) || sender < 0 || sender >= len(local) {
		return false
	}
	for i := range local {
		if i == sender {
			if msg[i] > local[i]+1 {
				return false
			}
			continue
		}
		if msg[i] > local[i] {
			return false
		}
	}
	return true
}

// Covers reports whether local has already delivered the sender's message
// stamped msg. Sender counters only advance by delivering that sender's own
// messages, so a covered counter identifies a duplicate.
func Covers(local, msg Clock, sender int) bool {
	if sender < 0 || sender >= len(local) || sender >= len(msg) {
		return false
	}
	return msg[sender] <= local[sender]
}

// LessOrEqual reports whether every counter of a is at most the matching
// counter of b.
func LessOrEqual(a, b Clock) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] > b[i] {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
