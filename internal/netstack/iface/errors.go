package iface

import (
	"errors"
	"fmt"

	"github.com/tinyrange/netdispatch/internal/netstack/socket"
)

var (
	// ErrAlreadyInUse is returned when a handle is already indexed or its key
	// is held by another socket.
	ErrAlreadyInUse = errors.New("iface: address already in use")
	// ErrSocketNotFound is returned when removing a handle the index does not
	// hold.
	ErrSocketNotFound = errors.New("iface: socket not found")
)

// AddError reports a refused index insertion.
type AddError struct {
	Protocol string
	Handle   socket.Handle
	Key      string
}

func (e *AddError) Error() string {
	return fmt.Sprintf("dispatch: add %s socket %v at %s: %v", e.Protocol, e.Handle, e.Key, ErrAlreadyInUse)
}

func (e *AddError) Unwrap() error { return ErrAlreadyInUse }

// RemoveError reports a removal of a handle that is not indexed. Diverged is
// set when the handle had a reverse entry with no forward entry behind it.
type RemoveError struct {
	Protocol string
	Handle   socket.Handle
	Diverged bool
}

func (e *RemoveError) Error() string {
	if e.Diverged {
		return fmt.Sprintf("dispatch: remove %s socket %v: %v (index diverged)", e.Protocol, e.Handle, ErrSocketNotFound)
	}
	return fmt.Sprintf("dispatch: remove %s socket %v: %v", e.Protocol, e.Handle, ErrSocketNotFound)
}

func (e *RemoveError) Unwrap() error { return ErrSocketNotFound }

// ErrWrongKind is returned by Modify when the socket is not of the requested
// kind.
var ErrWrongKind = errors.New("iface: wrong socket kind")
