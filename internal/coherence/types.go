package coherence

import "fmt"

// State is the coherence state of one replica.
type State int

const (
	Invalid State = iota
	Shared
	Owner
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Shared:
		return "shared"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether the replica holds the current value.
func (s State) Valid() bool { return s == Shared || s == Owner }

// Mode is the access mode of a request.
type Mode int

const (
	Read Mode = 1 << iota
	Write
	ReadWrite = Read | Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "R"
	case Write:
		return "W"
	case ReadWrite:
		return "RW"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Writes reports whether the mode modifies data and is therefore exclusive.
func (m Mode) Writes() bool { return m&Write != 0 }

// conflicts reports whether two requests may not be held together.
func conflicts(a, b Mode) bool { return a.Writes() || b.Writes() }

// merge combines two modes requested on the same handle by one set.
func merge(a, b Mode) Mode { return a | b }

// Layout describes the byte extent of a handle. The manager only relies on
// its size; element size lets filters split on element boundaries.
type Layout struct {
	ElemSize int
	Count    int
}

// Vector returns the layout of count elements of elemSize bytes.
func Vector(count, elemSize int) Layout {
	return Layout{ElemSize: elemSize, Count: count}
}

// Size is the extent in bytes.
func (l Layout) Size() int { return l.ElemSize * l.Count }

func (l Layout) validate() error {
	if l.ElemSize <= 0 || l.Count < 0 {
		return fmt.Errorf("invalid layout %+v", l)
	}
	return nil
}
