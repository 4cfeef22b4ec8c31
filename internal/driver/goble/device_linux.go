//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"

	"github.com/srg/gattlink/internal/driver"
)

func defaultDevice() (ble.Device, error) {
	return linux.NewDevice()
}

// dialAddr tags random device addresses so the kernel dials with the right
// peer address type.
func dialAddr(dev driver.Device) ble.Addr {
	a := ble.NewAddr(dev.Addr.String())
	if dev.IsRandom {
		return hci.RandomAddress{Addr: a}
	}
	return a
}
