package ppog

import (
	"bytes"
	"fmt"
)

// AppKind classifies the application UUID a peer advertises in its meta
// characteristic.
type AppKind uint8

const (
	// AppSystem is the all-zero UUID: the peer's native companion session.
	AppSystem AppKind = iota
	// AppThirdParty is any other valid UUID.
	AppThirdParty
	// AppInvalid is the all-0xFF UUID a peer writes before it has
	// initialized the characteristic.
	AppInvalid
)

func (k AppKind) String() string {
	switch k {
	case AppSystem:
		return "system"
	case AppThirdParty:
		return "third-party"
	default:
		return "invalid"
	}
}

const (
	appUUIDLen = 16
	metaMinLen = 2 + appUUIDLen
)

// Meta is the decoded value of the meta characteristic: the peer's supported
// version range, which application wants the session, and an optional session
// type appended by newer peers.
type Meta struct {
	MinVersion uint8
	MaxVersion uint8
	AppUUID    [appUUIDLen]byte

	// SessionType is present only when the peer sent the extended form.
	SessionType    uint8
	HasSessionType bool
}

// AppKind classifies the application UUID.
func (m Meta) AppKind() AppKind {
	var zero [appUUIDLen]byte
	if m.AppUUID == zero {
		return AppSystem
	}
	if bytes.Equal(m.AppUUID[:], bytes.Repeat([]byte{0xFF}, appUUIDLen)) {
		return AppInvalid
	}
	return AppThirdParty
}

// ParseMeta decodes a meta characteristic value. It validates shape only;
// version overlap and app acceptance are session policy.
func ParseMeta(value []byte) (Meta, error) {
	if len(value) < metaMinLen {
		return Meta{}, fmt.Errorf("meta value too short: %d bytes, need %d", len(value), metaMinLen)
	}
	m := Meta{MinVersion: value[0], MaxVersion: value[1]}
	copy(m.AppUUID[:], value[2:2+appUUIDLen])
	if m.MinVersion > m.MaxVersion {
		return Meta{}, fmt.Errorf("meta version range inverted: min %d > max %d", m.MinVersion, m.MaxVersion)
	}
	if len(value) > metaMinLen {
		m.SessionType = value[metaMinLen]
		m.HasSessionType = true
	}
	return m, nil
}

// negotiateVersion picks the highest version both ends speak, or an error
// when the ranges do not overlap.
func negotiateVersion(m Meta) (uint8, error) {
	v := uint8(protoMaxVersion)
	if m.MaxVersion < v {
		v = m.MaxVersion
	}
	if v < protoMinVersion || v < m.MinVersion {
		return 0, fmt.Errorf("no common protocol version: ours %d..%d, peer %d..%d",
			protoMinVersion, protoMaxVersion, m.MinVersion, m.MaxVersion)
	}
	return v, nil
}

// acceptMeta applies session policy: the app UUID must be initialized, and a
// recovery firmware build only talks to the system session.
func acceptMeta(m Meta, recovery bool) error {
	switch m.AppKind() {
	case AppInvalid:
		return fmt.Errorf("peer advertises uninitialized app uuid")
	case AppThirdParty:
		if recovery {
			return fmt.Errorf("recovery firmware accepts only the system session")
		}
	}
	return nil
}
