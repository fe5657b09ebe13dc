package msgbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quota struct {
	RAM   uint64
	Label string
}

func TestInsertExtractInOrder(t *testing.T) {
	b := MustNew(256, Plain)

	require.NoError(t, b.Insert(uint32(42)))
	require.NoError(t, b.Insert("ram_quota=4K"))
	require.NoError(t, b.Insert(quota{RAM: 4096, Label: "init"}))
	assert.Greater(t, b.Size(), 0)
	assert.Equal(t, b.Size(), len(b.Addr()))

	var n uint32
	var s string
	var q quota
	require.NoError(t, b.Extract(&n))
	require.NoError(t, b.Extract(&s))
	require.NoError(t, b.Extract(&q))

	assert.Equal(t, uint32(42), n)
	assert.Equal(t, "ram_quota=4K", s)
	assert.Equal(t, quota{RAM: 4096, Label: "init"}, q)
	assert.False(t, b.Remaining())
	assert.ErrorIs(t, b.Extract(&n), ErrUnderflow)

	b.Rewind()
	require.NoError(t, b.Extract(&n))
	assert.Equal(t, uint32(42), n)
}

func TestOverflowIsReported(t *testing.T) {
	b := MustNew(8, Plain)
	err := b.Insert("a string that does not fit")
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, b.Size())
}

func TestFlexpageHeaderDoesNotOverlapPayload(t *testing.T) {
	b := MustNew(64, Flexpage)
	assert.Equal(t, 64, b.Capacity())

	require.NoError(t, b.SetMapping(Mapping{Base: 0x4000_0000, Log2Size: 12, Writable: true}))
	require.NoError(t, b.Insert(uint64(7)))

	m, ok, err := b.Mapping()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Mapping{Base: 0x4000_0000, Log2Size: 12, Writable: true}, m)

	var v uint64
	require.NoError(t, b.Extract(&v))
	assert.Equal(t, uint64(7), v)

	// payload capacity excludes the header
	big := make([]byte, 64-16)
	assert.ErrorIs(t, b.Insert(big), ErrOverflow)
}

func TestPlainHasNoMappingHeader(t *testing.T) {
	b := MustNew(32, Plain)
	assert.ErrorIs(t, b.SetMapping(Mapping{}), ErrNoHeader)
	_, _, err := b.Mapping()
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestResetClearsHeaderAndPayload(t *testing.T) {
	b := MustNew(64, Flexpage)
	require.NoError(t, b.SetMapping(Mapping{Base: 1, Log2Size: 12}))
	require.NoError(t, b.Insert(true))

	b.Reset()
	assert.Equal(t, 0, b.Size())
	_, ok, err := b.Mapping()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRejectsTinyBuffer(t *testing.T) {
	_, err := New(8, Flexpage)
	assert.ErrorIs(t, err, ErrBufferSize)
}

func TestLayoutByName(t *testing.T) {
	l, err := LayoutByName("flexpage")
	require.NoError(t, err)
	assert.Equal(t, Flexpage, l)

	_, err = LayoutByName("l4")
	assert.ErrorIs(t, err, ErrUnknownName)
}
