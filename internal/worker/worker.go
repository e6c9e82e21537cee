// Package worker models execution units and the collections scheduling
// contexts keep them in.
package worker

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// Worker is one execution unit. The identity fields never change after
// creation; a worker may belong to several scheduling contexts.
type Worker struct {
	ID      int
	Arch    topology.Arch
	MemNode topology.NodeID
	// Members lists the basic workers of a combined worker.
	Members []int

	wake chan struct{}
}

// New creates a basic worker from its descriptor.
func New(d topology.Descriptor) *Worker {
	return &Worker{ID: d.ID, Arch: d.Arch, MemNode: d.MemNode, wake: make(chan struct{}, 1)}
}

// ErrEmptyCombination is returned when combining zero workers.
var ErrEmptyCombination = errors.New("combined worker needs at least one member")

// Combine builds a virtual worker over members. It takes the memory node of
// its first member; all members must share one architecture.
func Combine(id int, members []*Worker) (*Worker, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCombination
	}
	w := &Worker{ID: id, Arch: members[0].Arch, MemNode: members[0].MemNode, wake: make(chan struct{}, 1)}
	for _, m := range members {
		if m.Arch != w.Arch {
			return nil, fmt.Errorf("combined worker %d mixes %s and %s", id, w.Arch, m.Arch)
		}
		w.Members = append(w.Members, m.ID)
	}
	return w, nil
}

// Combined reports whether w aggregates other workers.
func (w *Worker) Combined() bool { return len(w.Members) > 0 }

// Wake signals the worker that work may be available. It never blocks;
// wakeups coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Wakeups is the channel an idle worker waits on.
func (w *Worker) Wakeups() <-chan struct{} { return w.wake }

func (w *Worker) String() string {
	return fmt.Sprintf("%s#%d@%d", w.Arch, w.ID, w.MemNode)
}
