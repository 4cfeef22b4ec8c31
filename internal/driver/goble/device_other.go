//go:build !linux && !darwin

package goble

import (
	"errors"

	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/driver"
)

func defaultDevice() (ble.Device, error) {
	return nil, errors.New("goble: no host implementation for this platform")
}

func dialAddr(dev driver.Device) ble.Addr {
	return ble.NewAddr(dev.Addr.String())
}
