package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefPackUnpack(t *testing.T) {
	tests := []struct {
		name  string
		kind  RefKind
		slot  int
		index int
		gen   uint32
	}{
		{"zero everything", RefService, 0, 0, 0},
		{"characteristic mid-range", RefCharacteristic, 3, 517, 9},
		{"descriptor extremes", RefDescriptor, 15, MaxTreeObjects - 1, refGenMask},
		{"slot boundary", RefService, int(refSlotMask), 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := makeRef(tt.kind, tt.slot, tt.index, tt.gen)
			assert.False(t, r.IsZero())
			assert.NotZero(t, uint32(r)&refHighBit, "high bit must always be set")
			assert.Equal(t, tt.kind, r.kind())
			assert.Equal(t, tt.slot, r.slot())
			assert.Equal(t, tt.index, r.index())
			assert.Equal(t, tt.gen&refGenMask, r.generation())
		})
	}
}

func TestRefGenerationWraps(t *testing.T) {
	r := makeRef(RefCharacteristic, 1, 2, refGenMask+1)
	assert.Equal(t, uint32(0), r.generation(), "generation stores modulo its field width")

	r = makeRef(RefCharacteristic, 1, 2, refGenMask+5)
	assert.Equal(t, uint32(4), r.generation())
}

func TestRefFieldsDoNotBleed(t *testing.T) {
	// Max out every field at once; each must still read back exactly.
	r := makeRef(RefDescriptor, int(refSlotMask), int(refIndexMask), refGenMask)
	assert.Equal(t, RefDescriptor, r.kind())
	assert.Equal(t, int(refSlotMask), r.slot())
	assert.Equal(t, int(refIndexMask), r.index())
	assert.Equal(t, refGenMask, r.generation())
}

func TestRefZeroValue(t *testing.T) {
	var r Ref
	assert.True(t, r.IsZero())
}

func TestRefKindString(t *testing.T) {
	assert.Equal(t, "service", RefService.String())
	assert.Equal(t, "characteristic", RefCharacteristic.String())
	assert.Equal(t, "descriptor", RefDescriptor.String())
	assert.Equal(t, "invalid", RefKind(7).String())
}
