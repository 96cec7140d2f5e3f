// Package pciaddr parses PCI addresses of RDMA devices.
package pciaddr

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// ErrPCIAddress indicates the input PCI address is invalid.
var ErrPCIAddress = errors.New("bad PCI address")

var rePCI = regexp.MustCompile(`^(?:([[:xdigit:]]{1,4}):)?([[:xdigit:]]{1,2}):([[:xdigit:]]{1,2})\.([[:xdigit:]])$`)

// PCIAddress represents a PCI address.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String returns the PCI address in 0000:00:01.0 format.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Function)
}

// MarshalText implements encoding.TextMarshaler interface.
func (a PCIAddress) MarshalText() (text []byte, e error) {
	if a.Function > 0x0F {
		return nil, ErrPCIAddress
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler interface.
func (a *PCIAddress) UnmarshalText(text []byte) (e error) {
	*a, e = Parse(string(text))
	return e
}

// Parse parses a PCI address.
func Parse(input string) (a PCIAddress, e error) {
	m := rePCI.FindStringSubmatch(input)
	if m == nil {
		return PCIAddress{}, ErrPCIAddress
	}

	fields := []struct {
		s    string
		bits int
		set  func(uint64)
	}{
		{m[1], 16, func(u uint64) { a.Domain = uint16(u) }},
		{m[2], 8, func(u uint64) { a.Bus = uint8(u) }},
		{m[3], 8, func(u uint64) { a.Slot = uint8(u) }},
		{m[4], 4, func(u uint64) { a.Function = uint8(u) }},
	}
	for _, f := range fields {
		if f.s == "" {
			continue
		}
		u, e := strconv.ParseUint(f.s, 16, f.bits)
		if e != nil {
			return PCIAddress{}, ErrPCIAddress
		}
		f.set(u)
	}
	return a, nil
}

// FromSysfsDevice extracts the PCI address from a resolved sysfs device path,
// such as /sys/devices/pci0000:00/0000:00:02.0/0000:03:00.0.
func FromSysfsDevice(path string) (a PCIAddress, e error) {
	return Parse(filepath.Base(path))
}
