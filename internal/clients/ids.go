// Package clients tracks the logical clients of the relay: the identifiers
// handed out to WebSocket connections and the port-keyed registry that
// correlates transport datagrams back to those identifiers.
package clients

import (
	"strconv"
	"sync/atomic"
)

// ID identifies one WebSocket connection for its whole lifetime.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// IDAllocator hands out process-unique, monotonically increasing IDs starting
// at 1. The zero value is not usable; construct with NewIDAllocator.
type IDAllocator struct {
	next atomic.Uint64
}

func NewIDAllocator() *IDAllocator {
	a := &IDAllocator{}
	a.next.Store(1)
	return a
}

// Next returns the current counter value and advances it.
func (a *IDAllocator) Next() ID {
	return ID(a.next.Add(1) - 1)
}
