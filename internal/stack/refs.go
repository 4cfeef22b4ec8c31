package stack

// Ref is an opaque reference to a discovered service, characteristic or
// descriptor, safe to hand to clients. It packs the owning connection slot,
// the object's arena index and the connection's tree generation into a
// non-zero uint32; the high bit is always set so a valid Ref can never be
// confused with the zero value.
//
// A Ref survives only as long as the connection exists and its service tree
// has not been replaced. Resolution is a bounds-checked lookup plus a
// generation comparison; anything stale resolves to "not found", never to a
// different live object.
type Ref uint32

// RefKind identifies which arena a Ref points into.
type RefKind uint8

const (
	RefService RefKind = iota
	RefCharacteristic
	RefDescriptor
)

func (k RefKind) String() string {
	switch k {
	case RefService:
		return "service"
	case RefCharacteristic:
		return "characteristic"
	case RefDescriptor:
		return "descriptor"
	default:
		return "invalid"
	}
}

// Bit layout, high to low:
//
//	[31]    always 1
//	[29:30] kind
//	[25:28] connection slot
//	[15:24] object index within the kind's arena
//	[0:14]  tree generation (wraps)
const (
	refHighBit = uint32(1) << 31

	refKindShift = 29
	refKindMask  = uint32(0x3)

	refSlotShift = 25
	refSlotMask  = uint32(0xF)

	refIndexShift = 15
	refIndexMask  = uint32(0x3FF)

	refGenMask = uint32(0x7FFF)

	// MaxTreeObjects bounds per-kind arena sizes so every object index is
	// representable in a Ref.
	MaxTreeObjects = int(refIndexMask) + 1
)

func makeRef(kind RefKind, slot int, index int, gen uint32) Ref {
	v := refHighBit |
		(uint32(kind)&refKindMask)<<refKindShift |
		(uint32(slot)&refSlotMask)<<refSlotShift |
		(uint32(index)&refIndexMask)<<refIndexShift |
		gen&refGenMask
	return Ref(v)
}

func (r Ref) kind() RefKind {
	return RefKind(uint32(r) >> refKindShift & refKindMask)
}

func (r Ref) slot() int {
	return int(uint32(r) >> refSlotShift & refSlotMask)
}

func (r Ref) index() int {
	return int(uint32(r) >> refIndexShift & refIndexMask)
}

func (r Ref) generation() uint32 {
	return uint32(r) & refGenMask
}

// IsZero reports whether r is the absent-reference value. Any Ref produced
// by the stack has the high bit set and is therefore non-zero.
func (r Ref) IsZero() bool {
	return r == 0
}
