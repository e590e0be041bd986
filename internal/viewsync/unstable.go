package viewsync

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// EntryKind separates data entries from the two control entries so their
// sequence spaces never collide.
type EntryKind uint8

const (
	EntryData EntryKind = iota + 1
	EntryView
	EntryResume
)

func (k EntryKind) String() string {
	switch k {
	case EntryData:
		return "data"
	case EntryView:
		return "view"
	case EntryResume:
		return "resume"
	default:
		return fmt.Sprintf("entry(%d)", uint8(k))
	}
}

// UnstableKey identifies a pending entry. Data entries use the sender's own
// counter; control entries use the view epoch.
type UnstableKey struct {
	Kind EntryKind
	Seq  uint64
}

func (k UnstableKey) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.Seq)
}

// Unstable tracks one sent unit until every required member acks it.
type Unstable struct {
	Key        UnstableKey
	Payload    []byte
	Acks       []bool
	Attempts   int
	SentAt     time.Time
	DeadlineAt time.Time
}

func (u *Unstable) Complete() bool {
	for _, ok := range u.Acks {
		if !ok {
			return false
		}
	}
	return true
}

// arm records a send at now and schedules the next retransmission from the
// current attempt count.
func (u *Unstable) arm(now time.Time, b BackoffConfig, rng *rand.Rand) {
	u.SentAt = now
	u.DeadlineAt = now.Add(b.retryDelay(u.Attempts, rng))
}

// retryDelay is the wait after the given attempt (1-based). It grows by
// Multiplier per attempt and stops at MaxDelay. Jitter scales it by a
// factor in [0.5, 1.5).
func (b BackoffConfig) retryDelay(attempt int, rng *rand.Rand) time.Duration {
	d := b.InitialDelay
	for i := 1; i < attempt && b.Multiplier > 1; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if b.Jitter && rng != nil {
		d = time.Duration(float64(d) * (0.5 + rng.Float64()))
	}
	return d
}

// Pending lists members that have not acked yet.
func (u *Unstable) Pending() []ProcessID {
	var out []ProcessID
	for i, ok := range u.Acks {
		if !ok {
			out = append(out, ProcessID(i))
		}
	}
	return out
}

// UnstableTable holds pending entries. It is owned by the engine and is not
// safe for concurrent use.
type UnstableTable struct {
	items map[UnstableKey]*Unstable
}

func NewUnstableTable() *UnstableTable {
	return &UnstableTable{items: make(map[UnstableKey]*Unstable)}
}

func (t *UnstableTable) Upsert(item *Unstable) {
	t.items[item.Key] = item
}

func (t *UnstableTable) Get(key UnstableKey) (*Unstable, bool) {
	item, ok := t.items[key]
	return item, ok
}

// Ack marks id on key. It reports whether the entry exists and whether it
// is now complete. Repeated acks are harmless.
func (t *UnstableTable) Ack(key UnstableKey, id ProcessID) (found, complete bool) {
	item, ok := t.items[key]
	if !ok {
		return false, false
	}
	if int(id) < len(item.Acks) {
		item.Acks[id] = true
	}
	return true, item.Complete()
}

func (t *UnstableTable) Remove(key UnstableKey) {
	delete(t.items, key)
}

// RemoveKind drops every entry of kind.
func (t *UnstableTable) RemoveKind(kind EntryKind) {
	for key := range t.items {
		if key.Kind == kind {
			delete(t.items, key)
		}
	}
}

func (t *UnstableTable) Len() int {
	return len(t.items)
}

// List returns entries ordered by kind then sequence.
func (t *UnstableTable) List() []*Unstable {
	out := make([]*Unstable, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Kind != out[j].Key.Kind {
			return out[i].Key.Kind < out[j].Key.Kind
		}
		return out[i].Key.Seq < out[j].Key.Seq
	})
	return out
}

// Due returns entries whose deadline is at or before now, in List order.
func (t *UnstableTable) Due(now time.Time) []*Unstable {
	var out []*Unstable
	for _, item := range t.List() {
		if !now.Before(item.DeadlineAt) {
			out = append(out, item)
		}
	}
	return out
}
