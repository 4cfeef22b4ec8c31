//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/srg/gattlink/internal/driver"
)

func defaultDevice() (ble.Device, error) {
	return darwin.NewDevice()
}

// dialAddr ignores the address-type flag: CoreBluetooth identifies peers by
// UUID and resolves the type itself.
func dialAddr(dev driver.Device) ble.Addr {
	return ble.NewAddr(dev.Addr.String())
}
