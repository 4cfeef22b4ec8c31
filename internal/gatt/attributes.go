package gatt

import "strings"

// Property is the characteristic property bitmask from the characteristic
// declaration attribute.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteNoResponse
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

// Has reports whether all bits of p2 are set in p.
func (p Property) Has(p2 Property) bool { return p&p2 == p2 }

func (p Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteNoResponse, "writeWithoutResponse"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
		{PropSignedWrite, "authenticatedSignedWrites"},
		{PropExtended, "extendedProperties"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// SubscriptionType is a client's desired delivery mode for a characteristic.
// The zero value means no subscription.
type SubscriptionType uint8

const (
	SubscriptionNone SubscriptionType = iota
	SubscriptionNotify
	SubscriptionIndicate
)

// CCCDValue returns the little-endian value written to the remote CCCD for
// this subscription type.
func (t SubscriptionType) CCCDValue() uint16 {
	switch t {
	case SubscriptionNotify:
		return 0x0001
	case SubscriptionIndicate:
		return 0x0002
	default:
		return 0x0000
	}
}

// Supported reports whether the characteristic properties allow this
// delivery mode.
func (t SubscriptionType) Supported(p Property) bool {
	switch t {
	case SubscriptionNotify:
		return p.Has(PropNotify)
	case SubscriptionIndicate:
		return p.Has(PropIndicate)
	default:
		return false
	}
}

// Outranks reports whether t takes precedence over other when merging
// multiple clients' desired types into one remote CCCD value. Notify beats
// indicate beats none.
func (t SubscriptionType) Outranks(other SubscriptionType) bool {
	return t.rank() > other.rank()
}

func (t SubscriptionType) rank() int {
	switch t {
	case SubscriptionNotify:
		return 2
	case SubscriptionIndicate:
		return 1
	default:
		return 0
	}
}

func (t SubscriptionType) String() string {
	switch t {
	case SubscriptionNotify:
		return "notify"
	case SubscriptionIndicate:
		return "indicate"
	default:
		return "none"
	}
}
