package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpoint string

func (e endpoint) DestinationID() string { return string(e) }

func TestCapabilityValidity(t *testing.T) {
	assert.False(t, Invalid().Valid())
	assert.Equal(t, "cap(invalid)", Invalid().String())

	c := New(endpoint("ep_1"), 0x14)
	assert.True(t, c.Valid())
	assert.Equal(t, Badge(0x14), c.Badge())
	assert.Equal(t, "cap(ep_1:0x14)", c.String())
	assert.True(t, c.Equal(New(endpoint("ep_1"), 0x14)))
	assert.False(t, c.Equal(New(endpoint("ep_2"), 0x14)))
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{"default", DefaultLayout, false},
		{"widest id range", Layout{BadgeBits: 26, FlagBits: 2}, false},
		{"id range too large", Layout{BadgeBits: 32, FlagBits: 2}, true},
		{"too narrow", Layout{BadgeBits: 1, FlagBits: 0}, true},
		{"no flag bits", Layout{BadgeBits: 16, FlagBits: 0}, true},
		{"signal flag does not fit", Layout{BadgeBits: 16, FlagBits: 1}, true},
		{"too wide", Layout{BadgeBits: 33, FlagBits: 2}, true},
		{"no id bits", Layout{BadgeBits: 4, FlagBits: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLayout)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLayoutEncodeDecode(t *testing.T) {
	l := DefaultLayout
	assert.Equal(t, uint32(1<<14-1), l.MaxID())
	assert.Equal(t, uint32(0xffff), l.Mask())

	b, err := l.Encode(5, FlagPager)
	require.NoError(t, err)
	assert.Equal(t, Badge(5<<2|1), b)
	assert.Equal(t, uint32(5), l.ID(b))
	assert.Equal(t, FlagPager, l.Flag(b))
	assert.True(t, l.Fits(b))

	b, err = l.Encode(l.MaxID(), FlagSignal)
	require.NoError(t, err)
	assert.Equal(t, l.MaxID(), l.ID(b))
	assert.Equal(t, FlagSignal, l.Flag(b))

	_, err = l.Encode(0, FlagRPC)
	assert.ErrorIs(t, err, ErrBadgeRange)
	_, err = l.Encode(l.MaxID()+1, FlagRPC)
	assert.ErrorIs(t, err, ErrBadgeRange)
	_, err = Layout{BadgeBits: 8, FlagBits: 1}.Encode(1, FlagSignal)
	assert.ErrorIs(t, err, ErrBadgeRange)

	assert.False(t, l.Fits(Badge(0x10000)))
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "rpc", FlagRPC.String())
	assert.Equal(t, "pager", FlagPager.String())
	assert.Equal(t, "signal", FlagSignal.String())
	assert.Equal(t, "flag(7)", Flag(7).String())
}
