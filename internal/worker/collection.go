package worker

import (
	"sort"

	"github.com/specialistvlad/gridrt/internal/topology"
)

// Iterator walks a snapshot of a collection.
type Iterator interface {
	HasNext() bool
	Next() *Worker
}

// Collection is the worker set of one scheduling context.
//
// Implementations are not safe for concurrent use on their own; the owning
// context serializes access with its lock. Iterators work on a snapshot
// and stay valid across later membership changes.
type Collection interface {
	// Init prepares the collection for use. It is idempotent.
	Init()
	// Deinit drops every member.
	Deinit()
	// Add inserts w and reports whether it was absent.
	Add(w *Worker) bool
	// Remove deletes the worker with the given id and reports whether it
	// was present.
	Remove(id int) bool
	// Contains reports membership.
	Contains(id int) bool
	// Get returns a member by id.
	Get(id int) (*Worker, bool)
	// Len returns the number of members.
	Len() int
	// Iterator returns an iterator over the current members.
	Iterator() Iterator
}

// sliceIterator iterates over a fixed slice.
type sliceIterator struct {
	ws []*Worker
	i  int
}

func (it *sliceIterator) HasNext() bool { return it.i < len(it.ws) }

func (it *sliceIterator) Next() *Worker {
	w := it.ws[it.i]
	it.i++
	return w
}

// Slice drains an iterator.
func Slice(it Iterator) []*Worker {
	var out []*Worker
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}

// List keeps workers in insertion order.
type List struct {
	ws []*Worker
}

// NewList returns an initialized list collection.
func NewList() *List {
	l := &List{}
	l.Init()
	return l
}

func (l *List) Init() {}

func (l *List) Deinit() { l.ws = nil }

func (l *List) Add(w *Worker) bool {
	if l.Contains(w.ID) {
		return false
	}
	l.ws = append(l.ws, w)
	return true
}

func (l *List) Remove(id int) bool {
	for i, w := range l.ws {
		if w.ID == id {
			l.ws = append(l.ws[:i:i], l.ws[i+1:]...)
			return true
		}
	}
	return false
}

func (l *List) Contains(id int) bool {
	_, ok := l.Get(id)
	return ok
}

func (l *List) Get(id int) (*Worker, bool) {
	for _, w := range l.ws {
		if w.ID == id {
			return w, true
		}
	}
	return nil, false
}

func (l *List) Len() int { return len(l.ws) }

func (l *List) Iterator() Iterator {
	return &sliceIterator{ws: append([]*Worker(nil), l.ws...)}
}

// Tree groups workers by memory node, then architecture. Iteration is
// depth-first: nodes ascending, architectures by name, workers in insertion
// order. Policies that want locality iterate a Tree so workers sharing a
// memory node are visited together.
type Tree struct {
	byNode map[topology.NodeID]map[topology.Arch][]*Worker
	index  map[int]*Worker
}

// NewTree returns an initialized tree collection.
func NewTree() *Tree {
	t := &Tree{}
	t.Init()
	return t
}

func (t *Tree) Init() {
	if t.byNode == nil {
		t.byNode = make(map[topology.NodeID]map[topology.Arch][]*Worker)
		t.index = make(map[int]*Worker)
	}
}

func (t *Tree) Deinit() {
	t.byNode = nil
	t.index = nil
	t.Init()
}

func (t *Tree) Add(w *Worker) bool {
	if _, ok := t.index[w.ID]; ok {
		return false
	}
	archs, ok := t.byNode[w.MemNode]
	if !ok {
		archs = make(map[topology.Arch][]*Worker)
		t.byNode[w.MemNode] = archs
	}
	archs[w.Arch] = append(archs[w.Arch], w)
	t.index[w.ID] = w
	return true
}

func (t *Tree) Remove(id int) bool {
	w, ok := t.index[id]
	if !ok {
		return false
	}
	delete(t.index, id)
	archs := t.byNode[w.MemNode]
	list := archs[w.Arch]
	for i, m := range list {
		if m.ID == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(archs, w.Arch)
		if len(archs) == 0 {
			delete(t.byNode, w.MemNode)
		}
	} else {
		archs[w.Arch] = list
	}
	return true
}

func (t *Tree) Contains(id int) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Tree) Get(id int) (*Worker, bool) {
	w, ok := t.index[id]
	return w, ok
}

func (t *Tree) Len() int { return len(t.index) }

func (t *Tree) Iterator() Iterator {
	nodes := make([]topology.NodeID, 0, len(t.byNode))
	for n := range t.byNode {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	out := make([]*Worker, 0, len(t.index))
	for _, n := range nodes {
		archs := make([]topology.Arch, 0, len(t.byNode[n]))
		for a := range t.byNode[n] {
			archs = append(archs, a)
		}
		sort.Slice(archs, func(i, j int) bool { return archs[i] < archs[j] })
		for _, a := range archs {
			out = append(out, t.byNode[n][a]...)
		}
	}
	return &sliceIterator{ws: out}
}
