package goble

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

func TestBuildProfileKeepsRealHandles(t *testing.T) {
	p := hostProfile()
	services, attrs := buildProfile(p)

	require.Len(t, services, 1)
	svc := services[0]
	assert.Equal(t, gatt.UUID("180d"), svc.UUID)
	assert.Equal(t, uint16(1), svc.StartHandle)
	assert.Equal(t, uint16(7), svc.EndHandle)

	hrm := p.Services[0].Characteristics[0]
	body := p.Services[0].Characteristics[1]

	require.Contains(t, attrs, uint16(3))
	assert.Same(t, hrm, attrs[3].char)

	require.Contains(t, attrs, uint16(4))
	cccd := attrs[4]
	assert.True(t, cccd.cccd)
	assert.Same(t, hrm, cccd.owner)
	assert.Equal(t, uint16(3), cccd.ownerValue)

	require.Contains(t, attrs, uint16(6))
	assert.Same(t, body, attrs[6].char)

	require.Contains(t, attrs, uint16(7))
	assert.False(t, attrs[7].cccd)
	assert.Same(t, body, attrs[7].owner)

	// Declaration handles are not operable attributes.
	assert.NotContains(t, attrs, uint16(2))
	assert.NotContains(t, attrs, uint16(5))
}

func TestBuildProfileSynthesizesMissingHandles(t *testing.T) {
	// The Darwin host reports no handles at all.
	hrm := &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify}
	hrm.Descriptors = []*ble.Descriptor{{UUID: ble.UUID16(0x2902)}}
	body := &ble.Characteristic{UUID: ble.UUID16(0x2a38), Property: ble.CharRead}
	p := &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.UUID16(0x180d),
		Characteristics: []*ble.Characteristic{hrm, body},
	}}}

	services, attrs := buildProfile(p)
	require.Len(t, services, 1)
	svc := services[0]

	assert.Equal(t, uint16(1), svc.StartHandle)
	require.Len(t, svc.Characteristics, 2)
	assert.Equal(t, uint16(2), svc.Characteristics[0].DeclHandle)
	assert.Equal(t, uint16(3), svc.Characteristics[0].ValueHandle)
	require.Len(t, svc.Characteristics[0].Descriptors, 1)
	assert.Equal(t, uint16(4), svc.Characteristics[0].Descriptors[0].Handle)
	assert.Equal(t, uint16(5), svc.Characteristics[1].DeclHandle)
	assert.Equal(t, uint16(6), svc.Characteristics[1].ValueHandle)
	assert.Equal(t, uint16(6), svc.EndHandle)

	require.Contains(t, attrs, uint16(4))
	assert.True(t, attrs[4].cccd)
	assert.Equal(t, uint16(3), attrs[4].ownerValue)
}

func TestBuildProfilePicksUpBareCCCDField(t *testing.T) {
	// Some hosts populate the CCCD field without listing the descriptor.
	ch := &ble.Characteristic{
		UUID:        ble.UUID16(0x2a37),
		Property:    ble.CharNotify,
		Handle:      2,
		ValueHandle: 3,
		CCCD:        &ble.Descriptor{UUID: ble.UUID16(0x2902), Handle: 4},
	}
	p := &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.UUID16(0x180d),
		Handle:          1,
		Characteristics: []*ble.Characteristic{ch},
	}}}

	services, attrs := buildProfile(p)
	require.Len(t, services[0].Characteristics[0].Descriptors, 1)
	assert.Equal(t,
		driver.DiscoveredDescriptor{UUID: gatt.CCCDUUID, Handle: 4},
		services[0].Characteristics[0].Descriptors[0])
	require.Contains(t, attrs, uint16(4))
	assert.True(t, attrs[4].cccd)
}

func TestConvertProperties(t *testing.T) {
	tests := []struct {
		name string
		in   ble.Property
		want gatt.Property
	}{
		{"none", 0, 0},
		{"read", ble.CharRead, gatt.PropRead},
		{"both writes", ble.CharWrite | ble.CharWriteNR, gatt.PropWrite | gatt.PropWriteNoResponse},
		{"notify and indicate", ble.CharNotify | ble.CharIndicate, gatt.PropNotify | gatt.PropIndicate},
		{
			"everything",
			ble.CharBroadcast | ble.CharRead | ble.CharWriteNR | ble.CharWrite |
				ble.CharNotify | ble.CharIndicate | ble.CharSignedWrite | ble.CharExtended,
			gatt.PropBroadcast | gatt.PropRead | gatt.PropWriteNoResponse | gatt.PropWrite |
				gatt.PropNotify | gatt.PropIndicate | gatt.PropSignedWrite | gatt.PropExtended,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertProperties(tt.in))
		})
	}
}
