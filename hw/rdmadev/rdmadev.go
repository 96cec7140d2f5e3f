// Package rdmadev discovers RDMA devices and their kernel network interfaces.
package rdmadev

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/safchain/ethtool"
	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/core/pciaddr"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

var logger = logging.New("rdmadev")

// SysfsRoot is the sysfs mount point.
// It may be changed in tests.
var SysfsRoot = "/sys"

// ErrNoDevice indicates the RDMA device does not exist in sysfs.
var ErrNoDevice = errors.New("RDMA device not found")

// NetIntf describes a kernel network interface bound to an RDMA device.
type NetIntf struct {
	Name         string           `json:"name" yaml:"name"`
	HardwareAddr net.HardwareAddr `json:"mac,omitempty" yaml:"mac,omitempty"`
	MTU          int              `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	OperState    string           `json:"operState,omitempty" yaml:"operState,omitempty"`
	Driver       string           `json:"driver,omitempty" yaml:"driver,omitempty"`
}

// Device describes an RDMA device.
type Device struct {
	Name     string              `json:"name" yaml:"name"`
	PCIAddr  *pciaddr.PCIAddress `json:"pciAddr,omitempty" yaml:"pciAddr,omitempty"`
	NodeGUID string              `json:"nodeGuid,omitempty" yaml:"nodeGuid,omitempty"`
	Netifs   []NetIntf           `json:"netifs,omitempty" yaml:"netifs,omitempty"`
}

func classDir() string {
	return filepath.Join(SysfsRoot, "class", "infiniband")
}

// List returns names of RDMA devices known to the kernel, sorted.
func List() (names []string, e error) {
	entries, e := os.ReadDir(classDir())
	if e != nil {
		if errors.Is(e, os.ErrNotExist) {
			return nil, nil
		}
		return nil, e
	}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Lookup gathers information about an RDMA device.
// Netlink and ethtool attributes are best effort: failures are logged and leave fields empty.
func Lookup(name string) (dev Device, e error) {
	dir := filepath.Join(classDir(), name)
	if _, e = os.Stat(dir); e != nil {
		return dev, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	dev.Name = name

	if guid, e := os.ReadFile(filepath.Join(dir, "node_guid")); e == nil {
		dev.NodeGUID = strings.TrimSpace(string(guid))
	}

	if target, e := filepath.EvalSymlinks(filepath.Join(dir, "device")); e == nil {
		if a, e := pciaddr.FromSysfsDevice(target); e == nil {
			dev.PCIAddr = &a
		}
	}

	netDir := filepath.Join(dir, "device", "net")
	if entries, e := os.ReadDir(netDir); e == nil {
		for _, entry := range entries {
			dev.Netifs = append(dev.Netifs, lookupNetIntf(entry.Name()))
		}
	}
	return dev, nil
}

// LookupAll gathers information about every RDMA device.
func LookupAll() (list []Device, e error) {
	names, e := List()
	if e != nil {
		return nil, e
	}
	for _, name := range names {
		dev, e := Lookup(name)
		if e != nil {
			return nil, e
		}
		list = append(list, dev)
	}
	return list, nil
}

func lookupNetIntf(ifname string) (n NetIntf) {
	n.Name = ifname
	logEntry := logger.With(zap.String("ifname", ifname))

	if link, e := netlink.LinkByName(ifname); e != nil {
		logEntry.Debug("netlink.LinkByName error", zap.Error(e))
	} else {
		attrs := link.Attrs()
		n.HardwareAddr = attrs.HardwareAddr
		n.MTU = attrs.MTU
		n.OperState = attrs.OperState.String()
	}

	etht, e := ethtool.NewEthtool()
	if e != nil {
		logEntry.Debug("ethtool.NewEthtool error", zap.Error(e))
		return n
	}
	defer etht.Close()
	if drv, e := etht.DriverName(ifname); e != nil {
		logEntry.Debug("ethtool.DriverName error", zap.Error(e))
	} else {
		n.Driver = drv
	}
	return n
}

// Describe returns a one-line summary of a device, for logging.
func (dev Device) Describe() string {
	var b strings.Builder
	b.WriteString(dev.Name)
	if dev.PCIAddr != nil {
		fmt.Fprintf(&b, " pci=%s", dev.PCIAddr)
	}
	for _, n := range dev.Netifs {
		fmt.Fprintf(&b, " netif=%s", n.Name)
		if len(n.HardwareAddr) > 0 {
			fmt.Fprintf(&b, "(%s)", n.HardwareAddr)
		}
	}
	return b.String()
}
