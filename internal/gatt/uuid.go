// Package gatt holds the GATT-level vocabulary shared by the stack and the
// transport: UUIDs, characteristic properties, CCCD values, and the records
// a link-layer driver reports from discovery.
package gatt

import (
	"fmt"
	"strings"
)

// UUID is a normalized GATT UUID: lowercase, no dashes, with Bluetooth SIG
// base UUIDs collapsed to their 16-bit short form (e.g. "2902").
type UUID string

const (
	sigBasePrefix = "0000"
	sigBaseSuffix = "00001000800000805f9b34fb"
)

// MustUUID normalizes s and panics when it is empty after normalization.
// Intended for package-level constants.
func MustUUID(s string) UUID {
	u := NormalizeUUID(s)
	if u == "" {
		panic(fmt.Sprintf("gatt: invalid uuid %q", s))
	}
	return u
}

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, braces, or 0x prefix. Full 128-bit UUIDs on the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) are reduced to the 16-bit short form.
func NormalizeUUID(s string) UUID {
	n := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	n = strings.TrimPrefix(n, "{")
	n = strings.TrimSuffix(n, "}")
	n = strings.TrimPrefix(n, "0x")
	if len(n) == 32 && strings.HasPrefix(n, sigBasePrefix) && strings.HasSuffix(n, sigBaseSuffix) {
		return UUID(n[4:8])
	}
	return UUID(n)
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(ss []string) []UUID {
	out := make([]UUID, len(ss))
	for i, s := range ss {
		out[i] = NormalizeUUID(s)
	}
	return out
}

// Equal reports whether u and other denote the same UUID once both are
// normalized. Use this when other may arrive raw from a driver.
func (u UUID) Equal(other string) bool {
	return u == NormalizeUUID(other)
}

// Short returns a truncated form for display: long UUIDs are cut to the
// first eight characters, short ones returned as-is.
func (u UUID) Short() string {
	if len(u) > 8 {
		return string(u[:8])
	}
	return string(u)
}

func (u UUID) String() string { return string(u) }

// Well-known descriptor used by the subscription manager.
var (
	// CCCDUUID is the Client Characteristic Configuration Descriptor.
	CCCDUUID = MustUUID("2902")
)
