package coherence

import (
	"errors"
	"fmt"
)

var (
	// ErrPartitioned is returned when a partitioned parent is accessed
	// directly, or partitioned a second time.
	ErrPartitioned = errors.New("handle is partitioned")
	// ErrNotPartitioned is returned by Unpartition on a handle that is not
	// partitioned.
	ErrNotPartitioned = errors.New("handle is not partitioned")
	// ErrBusy is returned when an operation needs a quiescent handle but
	// requests are still pending or granted.
	ErrBusy = errors.New("handle has outstanding requests")
	// ErrUnregistered is returned for any use of an unregistered handle.
	ErrUnregistered = errors.New("handle is not registered")
	// ErrDoubleRegister is returned when the same backing buffer is
	// registered twice.
	ErrDoubleRegister = errors.New("buffer already registered")
	// ErrNotHeld is returned by Release when the handle has no explicit
	// acquisition outstanding.
	ErrNotHeld = errors.New("handle is not acquired")
	// ErrTransfer is returned when a copy failed and no alternate replica
	// could serve it. The handle stays invalid until Recover.
	ErrTransfer = errors.New("transfer failed")
	// ErrInvalid is returned when accessing a handle left invalid by a
	// failed transfer.
	ErrInvalid = errors.New("handle invalidated by a failed transfer")
	// ErrGranted is returned by Cancel once a request set has been granted.
	ErrGranted = errors.New("request set already granted")
)

// UsageError reports a misuse of the coherence API. Usage errors are fatal
// for the caller and must not be retried.
type UsageError struct {
	Op     string
	Handle uint64
	Err    error
}

func (e *UsageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("coherence: %s on handle %d: %s", e.Op, e.Handle, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

func usage(op string, h *Handle, err error) error {
	var id uint64
	if h != nil {
		id = h.id
	}
	return &UsageError{Op: op, Handle: id, Err: err}
}

// TransferError carries the endpoints of a failed copy.
type TransferError struct {
	Handle   uint64
	Src, Dst int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("coherence: transfer of handle %d from node %d to node %d: %s", e.Handle, e.Src, e.Dst, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }
