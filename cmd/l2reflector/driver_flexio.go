//go:build flexio

package main

import (
	"github.com/usnistgov/l2reflector/hw/flexiodrv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
)

const hasFlexIO = true

func openDriver(sim bool, devices ...string) (hwdrv.Driver, error) {
	if sim {
		return hwsim.New(hwsim.Config{Devices: devices}), nil
	}
	return flexiodrv.New(), nil
}
