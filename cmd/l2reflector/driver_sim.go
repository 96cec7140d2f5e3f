//go:build !flexio

package main

import (
	"errors"

	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
)

const hasFlexIO = false

var errNoFlexIO = errors.New("built without FlexIO support, rebuild with -tags flexio or pass --sim")

func openDriver(sim bool, devices ...string) (hwdrv.Driver, error) {
	if !sim {
		return nil, errNoFlexIO
	}
	return hwsim.New(hwsim.Config{Devices: devices}), nil
}
