package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/usnistgov/l2reflector/hw/rdmadev"
)

func init() {
	var sim bool
	defineCommand(&cli.Command{
		Name:  "devices",
		Usage: "List RDMA devices.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "sim",
				Usage:       "List devices of the simulated driver.",
				Destination: &sim,
			},
		},
		Action: func(c *cli.Context) error {
			enc := json.NewEncoder(os.Stdout)
			if sim {
				drv, e := openDriver(true)
				if e != nil {
					return e
				}
				list, e := drv.ListDevices()
				if e != nil {
					return e
				}
				for _, info := range list {
					enc.Encode(info)
				}
				return nil
			}

			list, e := rdmadev.LookupAll()
			if e != nil {
				return e
			}
			for _, dev := range list {
				enc.Encode(dev)
			}
			return nil
		},
	})
}
