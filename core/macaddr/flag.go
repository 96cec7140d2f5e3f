package macaddr

import (
	"encoding"
	"errors"
	"flag"
	"net"
)

// ErrNotMAC48 indicates a hardware address that parses but is not MAC-48,
// such as an EUI-64 or an IPoIB address.
var ErrNotMAC48 = errors.New("not a MAC-48 address")

// Flag holds a MAC-48 address set from a command line flag or a config document.
// The zero Flag is unset.
type Flag struct {
	net.HardwareAddr
}

var (
	_ flag.Getter              = (*Flag)(nil)
	_ encoding.TextUnmarshaler = (*Flag)(nil)
	_ encoding.TextMarshaler   = Flag{}
)

// Empty returns true if no address has been set.
func (f Flag) Empty() bool {
	return len(f.HardwareAddr) == 0
}

// Get returns the net.HardwareAddr, nil if unset.
func (f *Flag) Get() any {
	return f.HardwareAddr
}

// Set parses a MAC-48 address.
// Empty string unsets the Flag. Other hardware address lengths are rejected with ErrNotMAC48,
// and f is left unchanged on error.
func (f *Flag) Set(s string) error {
	if s == "" {
		f.HardwareAddr = nil
		return nil
	}
	a, e := net.ParseMAC(s)
	if e != nil {
		return e
	}
	if !IsValid(a) {
		return ErrNotMAC48
	}
	f.HardwareAddr = a
	return nil
}

// MarshalText formats the address in lower-case colon notation, or empty if unset.
func (f Flag) MarshalText() ([]byte, error) {
	return []byte(f.HardwareAddr.String()), nil
}

func (f *Flag) UnmarshalText(text []byte) error {
	return f.Set(string(text))
}
