package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in   string
		want UUID
	}{
		{"2902", "2902"},
		{"0x2902", "2902"},
		{"2A37", "2a37"},
		{"{180D}", "180d"},
		// SIG base collapses to the short form.
		{"00002a19-0000-1000-8000-00805f9b34fb", "2a19"},
		{"00002A19-0000-1000-8000-00805F9B34FB", "2a19"},
		// Vendor UUIDs keep their full 128 bits.
		{"10000000-328E-0FBB-C642-1AA6699BDADA", "10000000328e0fbbc6421aa6699bdada"},
		{"10000001-328e-0fbb-c642-1aa6699bdada", "10000001328e0fbbc6421aa6699bdada"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeUUID(tc.in), tc.in)
	}
}

func TestUUIDEqual(t *testing.T) {
	u := MustUUID("2a37")
	assert.True(t, u.Equal("0x2A37"))
	assert.True(t, u.Equal("00002a37-0000-1000-8000-00805f9b34fb"))
	assert.False(t, u.Equal("2a38"))
}

func TestUUIDShort(t *testing.T) {
	assert.Equal(t, "2902", MustUUID("2902").Short())
	assert.Equal(t, "10000000", MustUUID("10000000-328e-0fbb-c642-1aa6699bdada").Short())
}

func TestMustUUIDPanicsOnEmpty(t *testing.T) {
	assert.Panics(t, func() { MustUUID("") })
}

func TestSubscriptionTypeSupported(t *testing.T) {
	notifyOnly := PropRead | PropNotify
	assert.True(t, SubscriptionNotify.Supported(notifyOnly))
	assert.False(t, SubscriptionIndicate.Supported(notifyOnly))
	assert.False(t, SubscriptionNone.Supported(notifyOnly))
}

func TestSubscriptionTypeOutranks(t *testing.T) {
	assert.True(t, SubscriptionNotify.Outranks(SubscriptionIndicate))
	assert.True(t, SubscriptionIndicate.Outranks(SubscriptionNone))
	assert.False(t, SubscriptionIndicate.Outranks(SubscriptionNotify))
	assert.False(t, SubscriptionNotify.Outranks(SubscriptionNotify))
}

func TestSubscriptionTypeCCCDValue(t *testing.T) {
	assert.Equal(t, uint16(0x0001), SubscriptionNotify.CCCDValue())
	assert.Equal(t, uint16(0x0002), SubscriptionIndicate.CCCDValue())
	assert.Equal(t, uint16(0x0000), SubscriptionNone.CCCDValue())
}

func TestPropertyString(t *testing.T) {
	assert.Equal(t, "read,notify", (PropRead | PropNotify).String())
	assert.Equal(t, "none", Property(0).String())
}
