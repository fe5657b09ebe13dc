package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapTranslateUnmap(t *testing.T) {
	s := NewSpace(4096)

	_, err := s.Translate(0x1000, Read)
	assert.ErrorIs(t, err, ErrNoMapping)

	require.NoError(t, s.MapLocal(0x80000, 0x1000, 2, false))
	assert.Equal(t, 2, s.Mapped())

	phys, err := s.Translate(0x1abc, Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80abc), phys)

	phys, err = s.Translate(0x2004, Exec)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x81004), phys)

	_, err = s.Translate(0x1000, Write)
	assert.ErrorIs(t, err, ErrPermission)

	require.NoError(t, s.UnmapLocal(0x1000, 2))
	require.NoError(t, s.UnmapLocal(0x1000, 2))
	assert.Equal(t, 0, s.Mapped())
}

func TestMapRejectsUnalignedAndOverlap(t *testing.T) {
	s := NewSpace(4096)

	assert.ErrorIs(t, s.MapLocal(0x10, 0x1000, 1, true), ErrUnaligned)
	assert.ErrorIs(t, s.UnmapLocal(0x1001, 1), ErrUnaligned)

	require.NoError(t, s.MapLocal(0x8000, 0x1000, 1, true))
	require.NoError(t, s.MapLocal(0x8000, 0x1000, 1, true))
	assert.ErrorIs(t, s.MapLocal(0x9000, 0x1000, 1, true), ErrOverlap)
}

func TestNewSpaceRequiresPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewSpace(3000) })
	assert.Equal(t, uint64(0x3000), NewSpace(4096).PageBase(0x3fff))
}

func TestAccessString(t *testing.T) {
	assert.Equal(t, "write", Write.String())
	assert.Equal(t, "access(9)", Access(9).String())
}
