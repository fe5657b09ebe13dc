// Package capability defines the unforgeable reference every other kernel
// package operates on: a destination endpoint plus an object key (badge).
//
// A badge carries an allocator id in its upper bits and protocol flags in
// its low bits:
//
//	badge = id << FlagBits | flags
//
// The flags tell the general RPC protocol, the fault protocol and signal
// delivery apart even when ids come from one shared allocator.
package capability

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLayout = errors.New("invalid badge layout")
	ErrBadgeRange    = errors.New("badge exceeds layout width")
)

// Flag is an in-band protocol marker stored in the low bits of a badge.
type Flag uint32

const (
	FlagRPC    Flag = 0
	FlagPager  Flag = 1
	FlagSignal Flag = 2
)

// String returns the protocol name of the flag
func (f Flag) String() string {
	switch f {
	case FlagRPC:
		return "rpc"
	case FlagPager:
		return "pager"
	case FlagSignal:
		return "signal"
	default:
		return fmt.Sprintf("flag(%d)", uint32(f))
	}
}

// Badge is the object-key portion of a capability.
type Badge uint32

// Destination identifies the endpoint a capability points at. Implementations
// are entrypoints and signal receivers; the identifier is only used for
// diagnostics and equality.
type Destination interface {
	DestinationID() string
}

// Capability combines a destination and a badge. The zero value is invalid.
type Capability struct {
	dst   Destination
	badge Badge
}

// New creates a capability for the given destination and badge.
func New(dst Destination, badge Badge) Capability {
	return Capability{dst: dst, badge: badge}
}

// Invalid returns the invalid capability.
func Invalid() Capability { return Capability{} }

// Valid reports whether the capability carries a destination.
func (c Capability) Valid() bool { return c.dst != nil }

// Destination returns the target endpoint, nil for invalid capabilities.
func (c Capability) Destination() Destination { return c.dst }

// Badge returns the object key.
func (c Capability) Badge() Badge { return c.badge }

// Equal reports whether both capabilities name the same object.
func (c Capability) Equal(o Capability) bool {
	return c.dst == o.dst && c.badge == o.badge
}

func (c Capability) String() string {
	if !c.Valid() {
		return "cap(invalid)"
	}
	return fmt.Sprintf("cap(%s:%#x)", c.dst.DestinationID(), uint32(c.badge))
}
