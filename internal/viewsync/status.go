package viewsync

import (
	"time"

	"github.com/danmuck/viewsync/internal/vclock"
)

// Status is an immutable copy of engine state for readers outside the
// owning goroutine.
type Status struct {
	ID          ProcessID `json:"id"`
	Coordinator ProcessID `json:"coordinator"`
	// CoordinatorRun is the coordinator incarnation the epoch belongs to.
	CoordinatorRun string           `json:"coordinator_run"`
	State          string           `json:"state"`
	Epoch          uint64           `json:"epoch"`
	View           []bool           `json:"view"`
	Clock          vclock.Clock     `json:"clock"`
	Queued         int              `json:"queued"`
	Unstable       []UnstableStatus `json:"unstable"`
}

type UnstableStatus struct {
	Kind       string      `json:"kind"`
	Seq        uint64      `json:"seq"`
	Attempts   int         `json:"attempts"`
	Pending    []ProcessID `json:"pending"`
	DeadlineAt time.Time   `json:"deadline_at"`
}

func (e *Engine) Snapshot() Status {
	items := e.unstable.List()
	unstable := make([]UnstableStatus, 0, len(items))
	for _, item := range items {
		unstable = append(unstable, UnstableStatus{
			Kind:       item.Key.Kind.String(),
			Seq:        item.Key.Seq,
			Attempts:   item.Attempts,
			Pending:    item.Pending(),
			DeadlineAt: item.DeadlineAt,
		})
	}
	return Status{
		ID:             e.self,
		Coordinator:    e.cfg.Coordinator,
		CoordinatorRun: e.following,
		State:          e.state.String(),
		Epoch:          e.epoch,
		View:           e.view.Clone(),
		Clock:          e.clock.Clone(),
		Queued:         len(e.queue),
		Unstable:       unstable,
	}
}
