package capability

import (
	"fmt"
	"math/bits"
)

// Layout describes how a badge is packed into the wire word that carries it.
type Layout struct {
	// BadgeBits is the representable width of a badge on the wire.
	BadgeBits uint
	// FlagBits is the number of low bits reserved for protocol flags.
	FlagBits uint
}

// DefaultLayout matches 16-bit capability ids with two flag bits.
var DefaultLayout = Layout{BadgeBits: 16, FlagBits: 2}

// MaxIDBits bounds the id range. The allocator keeps one bit per id, so 24
// id bits cost a 2 MiB bitmap up front.
const MaxIDBits = 24

// MinFlagBits is the width the highest protocol flag needs.
var MinFlagBits = uint(bits.Len32(uint32(FlagSignal)))

// Validate checks that the layout can carry every protocol flag and leaves
// room for at least one id.
func (l Layout) Validate() error {
	if l.BadgeBits < 2 || l.BadgeBits > 32 {
		return fmt.Errorf("%w: badge width %d not in [2,32]", ErrInvalidLayout, l.BadgeBits)
	}
	if l.FlagBits < MinFlagBits {
		return fmt.Errorf("%w: %d flag bits cannot hold flag %s", ErrInvalidLayout, l.FlagBits, FlagSignal)
	}
	if l.FlagBits >= l.BadgeBits {
		return fmt.Errorf("%w: %d flag bits leave no id bits in %d", ErrInvalidLayout, l.FlagBits, l.BadgeBits)
	}
	if l.IDBits() > MaxIDBits {
		return fmt.Errorf("%w: %d id bits exceed %d", ErrInvalidLayout, l.IDBits(), MaxIDBits)
	}
	return nil
}

// IDBits is the number of bits left for allocator ids.
func (l Layout) IDBits() uint { return l.BadgeBits - l.FlagBits }

// MaxID is the largest id the layout can encode. Id 0 is reserved.
func (l Layout) MaxID() uint32 {
	return uint32((uint64(1) << l.IDBits()) - 1)
}

// Mask covers every valid badge bit.
func (l Layout) Mask() uint32 {
	return uint32((uint64(1) << l.BadgeBits) - 1)
}

// Encode packs id and flag into a badge.
func (l Layout) Encode(id uint32, flag Flag) (Badge, error) {
	if id == 0 || id > l.MaxID() {
		return 0, fmt.Errorf("%w: id %d outside [1,%d]", ErrBadgeRange, id, l.MaxID())
	}
	if uint64(flag) >= uint64(1)<<l.FlagBits {
		return 0, fmt.Errorf("%w: flag %s needs more than %d bits", ErrBadgeRange, flag, l.FlagBits)
	}
	return Badge(id<<l.FlagBits | uint32(flag)), nil
}

// ID extracts the allocator id from a badge.
func (l Layout) ID(b Badge) uint32 { return (uint32(b) & l.Mask()) >> l.FlagBits }

// Flag extracts the protocol flag from a badge.
func (l Layout) Flag(b Badge) Flag {
	return Flag(uint32(b) & ((1 << l.FlagBits) - 1))
}

// Fits reports whether the badge is representable in this layout.
func (l Layout) Fits(b Badge) bool { return uint32(b)&^l.Mask() == 0 }
