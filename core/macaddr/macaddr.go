// Package macaddr provides helpers for MAC-48 addresses.
package macaddr

import (
	"bytes"
	"net"
)

// Equal determines whether two HardwareAddrs are the same.
func Equal(a, b net.HardwareAddr) bool {
	return bytes.Equal([]byte(a), []byte(b))
}

// IsValid determines whether the HardwareAddr is a MAC-48 address.
func IsValid(a net.HardwareAddr) bool {
	return len(a) == 6
}

// IsUnicast determines whether the HardwareAddr is a non-zero unicast MAC-48 address.
func IsUnicast(a net.HardwareAddr) bool {
	return IsValid(a) && (a[0]&0x01) == 0 && (a[0]|a[1]|a[2]|a[3]|a[4]|a[5]) != 0
}

// IsMulticast determines whether the HardwareAddr is a multicast MAC-48 address.
func IsMulticast(a net.HardwareAddr) bool {
	return IsValid(a) && (a[0]&0x01) != 0
}

// ToUint64 converts a MAC-48 address to a 48-bit integer in network byte order.
// Returns 0 if the HardwareAddr is not MAC-48.
func ToUint64(a net.HardwareAddr) (v uint64) {
	if !IsValid(a) {
		return 0
	}
	for _, b := range a {
		v = v<<8 | uint64(b)
	}
	return v
}

// FromUint64 converts the low 48 bits of an integer to a MAC-48 address.
func FromUint64(v uint64) net.HardwareAddr {
	a := make(net.HardwareAddr, 6)
	for i := 5; i >= 0; i-- {
		a[i] = byte(v)
		v >>= 8
	}
	return a
}
