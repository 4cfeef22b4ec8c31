package main

import (
	"errors"

	"github.com/srg/gattlink/internal/driver/goble"
	"github.com/srg/gattlink/internal/ppog"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was in
	// the middle of using it and no reconnect intent was in force.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError maps known failure causes to actionable one-liners.
// Anything unrecognized passes through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is powered off. Turn it on and retry."
	case errors.Is(err, ErrConnectionLost):
		return "Connection lost. Check that the device is powered on and in range."
	case errors.Is(err, goble.ErrNotConnected):
		return "Device is not connected. Check that it is powered on and in range."
	case errors.Is(err, ppog.ErrClosed):
		return "The stream session closed. The device may be rebooting or re-pairing; retry."
	default:
		return err.Error()
	}
}
