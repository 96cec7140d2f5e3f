package main

import (
	"encoding/json"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"github.com/usnistgov/l2reflector/app/l2reflector"
	"github.com/usnistgov/l2reflector/reflector/queue"
)

type planQueue struct {
	*queue.Set
	DataSize string `json:"dataSizeH"`
	RingSize string `json:"ringSizeH"`
}

type planOutput struct {
	Config    l2reflector.Config          `json:"config"`
	Tx        planQueue                   `json:"tx"`
	Rx        planQueue                   `json:"rx"`
	Pipelines []l2reflector.PipelineState `json:"pipelines"`
	Resources []string                    `json:"resources"`
}

func makePlanQueue(s *queue.Set) planQueue {
	return planQueue{
		Set:      s,
		DataSize: humanize.IBytes(s.WQ.DataSize),
		RingSize: humanize.IBytes(s.WQ.RingSize),
	}
}

func init() {
	var args configArgs
	defineCommand(&cli.Command{
		Name:        "plan",
		Usage:       "Provision on the simulated driver and print the resulting resources.",
		Description: "The simulated driver is always used, so --sim has no effect.",
		Flags:       args.flags(),
		Action: func(c *cli.Context) (e error) {
			cfg := args.Config()
			drv, e := openDriver(true, cfg.Device)
			if e != nil {
				return e
			}
			coord, e := l2reflector.New(drv, cfg)
			if e != nil {
				return cli.Exit(e, 1)
			}
			if e := coord.Provision(); e != nil {
				return cli.Exit(e, 1)
			}
			defer coord.Teardown()

			st := coord.State()
			out := planOutput{
				Config:    coord.Config(),
				Tx:        makePlanQueue(st.Tx),
				Rx:        makePlanQueue(st.Rx),
				Pipelines: st.Pipelines,
			}
			for _, res := range st.Resources {
				out.Resources = append(out.Resources, res.String())
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	})
}
