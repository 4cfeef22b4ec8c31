package goble

import (
	"errors"
	"fmt"
	"strings"
)

// Host-error sentinels. NormalizeError wraps raw go-ble errors with these so
// callers can branch with errors.Is.
var (
	ErrBluetoothOff = errors.New("bluetooth is powered off")
	ErrNotConnected = errors.New("device not connected")
)

// ATT error codes carried in OpCompleted events.
const (
	attReadNotPermitted         uint8 = 0x02
	attWriteNotPermitted        uint8 = 0x03
	attInsufficientAuthn        uint8 = 0x05
	attRequestNotSupported      uint8 = 0x06
	attAttributeNotFound        uint8 = 0x0a
	attInvalidLength            uint8 = 0x0d
	attUnlikelyError            uint8 = 0x0e
	attInsufficientEncryption   uint8 = 0x0f
	attCCCDImproperlyConfigured uint8 = 0xfd
)

// attError carries an explicit ATT error code out of the op queue.
type attError uint8

func (e attError) Error() string {
	return fmt.Sprintf("ATT error 0x%02x", uint8(e))
}

// NormalizeError maps known go-ble error strings to structured sentinels.
// The host library reports most conditions as bare strings, so matching is
// fuzzy on purpose and keeps working if the upstream wording shifts a little.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}

// attErrorCode reduces a host error to the ATT error byte of an OpCompleted.
// Unknown causes map to "unlikely error".
func attErrorCode(err error) uint8 {
	var ae attError
	if errors.As(err, &ae) {
		return uint8(ae)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "read not permitted"):
		return attReadNotPermitted
	case strings.Contains(msg, "write not permitted"):
		return attWriteNotPermitted
	case strings.Contains(msg, "authentication"):
		return attInsufficientAuthn
	case strings.Contains(msg, "encryption"):
		return attInsufficientEncryption
	case strings.Contains(msg, "not supported"):
		return attRequestNotSupported
	case strings.Contains(msg, "not found"):
		return attAttributeNotFound
	default:
		return attUnlikelyError
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
