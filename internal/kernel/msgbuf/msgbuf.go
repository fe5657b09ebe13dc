// Package msgbuf implements the fixed-size message buffer that carries
// marshalled RPC arguments and results.
//
// A buffer is a byte region of fixed capacity. Its layout depends on the
// kernel backend: some backends reserve leading bytes for a mapping
// descriptor that travels with the message in combined IPC+map operations.
// Callers use Size and Addr instead of assuming where the payload starts.
//
// Each inserted value is one CBOR data item. Items are read back in
// insertion order.
package msgbuf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrOverflow    = errors.New("message buffer overflow")
	ErrUnderflow   = errors.New("message buffer exhausted")
	ErrNoHeader    = errors.New("layout has no mapping header")
	ErrBufferSize  = errors.New("buffer smaller than layout header")
	ErrUnknownName = errors.New("unknown buffer layout")
)

// Layout describes the backend-specific arrangement of a buffer.
type Layout struct {
	Name string
	// HeaderSize is the number of leading bytes reserved for the backend.
	HeaderSize int
}

var (
	// Plain carries payload only.
	Plain = Layout{Name: "plain", HeaderSize: 0}
	// Flexpage reserves a 16-byte mapping descriptor in front of the payload.
	Flexpage = Layout{Name: "flexpage", HeaderSize: 16}
)

// LayoutByName resolves a configured layout name.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case Plain.Name:
		return Plain, nil
	case Flexpage.Name:
		return Flexpage, nil
	default:
		return Layout{}, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
}

// Mapping is the descriptor stored in a Flexpage header: a naturally aligned
// region of 2^Log2Size bytes at Base with the given rights.
type Mapping struct {
	Base     uint64
	Log2Size uint8
	Writable bool
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("msgbuf: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("msgbuf: CBOR decoder initialization failed: " + err.Error())
	}
}

// Buffer is a fixed-size message region.
type Buffer struct {
	layout Layout
	data   []byte
	wr     int // payload bytes written
	rd     int // payload bytes consumed
}

// New allocates a buffer of size bytes including the layout header.
func New(size int, layout Layout) (*Buffer, error) {
	if size < layout.HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrBufferSize, size, layout.HeaderSize)
	}
	return &Buffer{layout: layout, data: make([]byte, size)}, nil
}

// MustNew is New for sizes known to be valid.
func MustNew(size int, layout Layout) *Buffer {
	b, err := New(size, layout)
	if err != nil {
		panic(err)
	}
	return b
}

// Layout returns the buffer's layout.
func (b *Buffer) Layout() Layout { return b.layout }

// Capacity returns the total buffer size including the header.
func (b *Buffer) Capacity() int { return len(b.data) }

// Size returns the number of payload bytes in use.
func (b *Buffer) Size() int { return b.wr }

// Addr returns the used payload region. The slice aliases the buffer.
func (b *Buffer) Addr() []byte {
	return b.data[b.layout.HeaderSize : b.layout.HeaderSize+b.wr]
}

// Insert appends v as one CBOR item.
func (b *Buffer) Insert(v any) error {
	item, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	free := len(b.data) - b.layout.HeaderSize - b.wr
	if len(item) > free {
		return fmt.Errorf("%w: item of %d bytes, %d free", ErrOverflow, len(item), free)
	}
	copy(b.data[b.layout.HeaderSize+b.wr:], item)
	b.wr += len(item)
	return nil
}

// Extract decodes the next item into v.
func (b *Buffer) Extract(v any) error {
	if b.rd >= b.wr {
		return ErrUnderflow
	}
	payload := b.data[b.layout.HeaderSize+b.rd : b.layout.HeaderSize+b.wr]
	rest, err := decMode.UnmarshalFirst(payload, v)
	if err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	b.rd += len(payload) - len(rest)
	return nil
}

// Remaining reports whether unread items are left.
func (b *Buffer) Remaining() bool { return b.rd < b.wr }

// Reset clears payload and header for reuse.
func (b *Buffer) Reset() {
	clear(b.data[:b.layout.HeaderSize+b.wr])
	b.wr = 0
	b.rd = 0
}

// Rewind restarts extraction at the first item.
func (b *Buffer) Rewind() { b.rd = 0 }

// SetMapping stores a mapping descriptor in the header.
func (b *Buffer) SetMapping(m Mapping) error {
	if b.layout.HeaderSize < 16 {
		return ErrNoHeader
	}
	binary.LittleEndian.PutUint64(b.data[0:8], m.Base)
	b.data[8] = m.Log2Size
	if m.Writable {
		b.data[9] = 1
	} else {
		b.data[9] = 0
	}
	return nil
}

// Mapping reads the header descriptor; ok is false for an empty header.
func (b *Buffer) Mapping() (Mapping, bool, error) {
	if b.layout.HeaderSize < 16 {
		return Mapping{}, false, ErrNoHeader
	}
	m := Mapping{
		Base:     binary.LittleEndian.Uint64(b.data[0:8]),
		Log2Size: b.data[8],
		Writable: b.data[9] == 1,
	}
	return m, m.Log2Size != 0, nil
}
