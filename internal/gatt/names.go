package gatt

// A compact static table standing in for the full assigned-numbers database.
// Only the entries the stack, transport, and CLI actually encounter are kept;
// unknown UUIDs simply render as their hex form.
var knownNames = map[UUID]string{
	// Services
	MustUUID("1800"): "Generic Access",
	MustUUID("1801"): "Generic Attribute",
	MustUUID("180a"): "Device Information",
	MustUUID("180f"): "Battery Service",
	MustUUID("1805"): "Current Time Service",

	// Characteristics
	MustUUID("2a00"): "Device Name",
	MustUUID("2a01"): "Appearance",
	MustUUID("2a05"): "Service Changed",
	MustUUID("2a19"): "Battery Level",
	MustUUID("2a23"): "System ID",
	MustUUID("2a24"): "Model Number String",
	MustUUID("2a25"): "Serial Number String",
	MustUUID("2a26"): "Firmware Revision String",

	// Descriptors
	MustUUID("2900"): "Characteristic Extended Properties",
	MustUUID("2901"): "Characteristic User Description",
	CCCDUUID:         "Client Characteristic Configuration",
	MustUUID("2904"): "Characteristic Presentation Format",
}

// KnownName returns a human-readable name for u, or "" when unknown.
// Callers register protocol-private UUIDs via RegisterName.
func KnownName(u UUID) string {
	return knownNames[u]
}

// RegisterName adds (or overrides) a display name for a vendor UUID.
// Meant for init-time registration; not safe for concurrent use afterwards.
func RegisterName(u UUID, name string) {
	knownNames[u] = name
}
