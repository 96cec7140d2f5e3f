package main

import (
	"github.com/urfave/cli/v2"
	"github.com/usnistgov/l2reflector/app/l2reflector"
	"github.com/usnistgov/l2reflector/core/macaddr"
)

// configArgs collects the configuration document and flags that override it.
type configArgs struct {
	cfg    l2reflector.Config
	device string
	mac    macaddr.Flag
	image  string
	sim    bool
}

func (a *configArgs) flags() []cli.Flag {
	return []cli.Flag{
		&cli.GenericFlag{
			Name:  "config",
			Usage: "Configuration YAML `document` or @filename.",
			Value: l2reflector.ConfigFlag(&a.cfg),
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "RDMA device `name`, overrides configuration.",
			Destination: &a.device,
		},
		&cli.GenericFlag{
			Name:  "mac",
			Usage: "Reflected MAC `address`, overrides configuration.",
			Value: &a.mac,
		},
		&cli.StringFlag{
			Name:        "image",
			Usage:       "Offload program image `file`, overrides configuration.",
			Destination: &a.image,
		},
		&cli.BoolFlag{
			Name:        "sim",
			Usage:       "Use the simulated driver.",
			Destination: &a.sim,
		},
	}
}

// Config returns the effective configuration.
func (a *configArgs) Config() l2reflector.Config {
	cfg := a.cfg
	if a.device != "" {
		cfg.Device = a.device
	}
	if !a.mac.Empty() {
		cfg.MAC = a.mac
	}
	if a.image != "" {
		cfg.OffloadImage = a.image
	}
	cfg.ApplyDefaults()
	return cfg
}
