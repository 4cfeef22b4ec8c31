package ppog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaValue(minVer, maxVer uint8, app byte, extra ...byte) []byte {
	v := make([]byte, 0, metaMinLen+len(extra))
	v = append(v, minVer, maxVer)
	v = append(v, bytes.Repeat([]byte{app}, appUUIDLen)...)
	return append(v, extra...)
}

func TestParseMeta(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		wantErr bool
		check   func(t *testing.T, m Meta)
	}{
		{
			name:  "system session",
			value: metaValue(0, 1, 0x00),
			check: func(t *testing.T, m Meta) {
				assert.Equal(t, uint8(0), m.MinVersion)
				assert.Equal(t, uint8(1), m.MaxVersion)
				assert.Equal(t, AppSystem, m.AppKind())
				assert.False(t, m.HasSessionType)
			},
		},
		{
			name:  "third party session",
			value: metaValue(1, 1, 0x42),
			check: func(t *testing.T, m Meta) {
				assert.Equal(t, AppThirdParty, m.AppKind())
			},
		},
		{
			name:  "uninitialized app uuid",
			value: metaValue(0, 0, 0xFF),
			check: func(t *testing.T, m Meta) {
				assert.Equal(t, AppInvalid, m.AppKind())
			},
		},
		{
			name:  "session type appended",
			value: metaValue(0, 1, 0x00, 0x02),
			check: func(t *testing.T, m Meta) {
				require.True(t, m.HasSessionType)
				assert.Equal(t, uint8(2), m.SessionType)
			},
		},
		{
			name:    "too short",
			value:   metaValue(0, 1, 0x00)[:metaMinLen-1],
			wantErr: true,
		},
		{
			name:    "empty",
			value:   nil,
			wantErr: true,
		},
		{
			name:    "inverted version range",
			value:   metaValue(2, 1, 0x00),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMeta(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name    string
		min     uint8
		max     uint8
		want    uint8
		wantErr bool
	}{
		{"both speak v1", 0, 1, 1, false},
		{"peer capped at v0", 0, 0, 0, false},
		{"peer ahead of us", 0, 9, 1, false},
		{"peer requires future version", 5, 9, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := negotiateVersion(Meta{MinVersion: tt.min, MaxVersion: tt.max})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestAcceptMeta(t *testing.T) {
	system := Meta{}
	var thirdParty Meta
	thirdParty.AppUUID[0] = 0x42
	var invalid Meta
	for i := range invalid.AppUUID {
		invalid.AppUUID[i] = 0xFF
	}

	assert.NoError(t, acceptMeta(system, false))
	assert.NoError(t, acceptMeta(system, true), "recovery firmware keeps the system session")
	assert.NoError(t, acceptMeta(thirdParty, false))
	assert.Error(t, acceptMeta(thirdParty, true), "recovery firmware rejects third-party sessions")
	assert.Error(t, acceptMeta(invalid, false))
	assert.Error(t, acceptMeta(invalid, true))
}
