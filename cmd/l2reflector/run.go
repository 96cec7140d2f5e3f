package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"github.com/usnistgov/l2reflector/app/l2reflector"
	"go.uber.org/zap"
	"go4.org/must"
	"golang.org/x/sys/unix"
)

func serveMetrics(listen string, coord *l2reflector.Coordinator) (net.Listener, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(coord.Collector(), collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, e := net.Listen("tcp", listen)
	if e != nil {
		return nil, e
	}
	logger.Info("metrics HTTP server starting", zap.Stringer("listen", ln.Addr()))
	go http.Serve(ln, mux)
	return ln, nil
}

// serve provisions and runs the reflector until a signal arrives on sigc, then tears down.
// ready is invoked once the reflector is running.
// A signal that arrives during provisioning skips Run and goes straight to teardown.
func serve(coord *l2reflector.Coordinator, sigc <-chan os.Signal, ready func()) error {
	if e := coord.Provision(); e != nil {
		return e
	}

	select {
	case sig := <-sigc:
		logger.Info("shutdown requested during provisioning", zap.Stringer("signal", sig))
		return coord.Teardown()
	default:
	}

	if e := coord.Run(); e != nil {
		logger.Error("run error", zap.Error(e))
		if err := coord.Teardown(); err != nil {
			logger.Error("teardown error", zap.Error(err))
		}
		return e
	}
	cfg := coord.Config()
	logger.Info("reflector running", zap.String("device", cfg.Device), zap.Stringer("mac", cfg.MAC))
	ready()

	sig := <-sigc
	logger.Info("shutdown requested by signal", zap.Stringer("signal", sig))
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return coord.Teardown()
}

func init() {
	var args configArgs
	var metrics string
	defineCommand(&cli.Command{
		Name:  "run",
		Usage: "Provision the reflector, run until interrupted, then tear down.",
		Flags: append(args.flags(),
			&cli.StringFlag{
				Name:        "metrics",
				Usage:       "Prometheus metrics HTTP listen `address`.",
				Destination: &metrics,
			},
		),
		Action: func(c *cli.Context) error {
			cfg := args.Config()
			drv, e := openDriver(args.sim, cfg.Device)
			if e != nil {
				return cli.Exit(e, 1)
			}
			coord, e := l2reflector.New(drv, cfg)
			if e != nil {
				return cli.Exit(e, 1)
			}

			if metrics != "" {
				ln, e := serveMetrics(metrics, coord)
				if e != nil {
					return cli.Exit(e, 1)
				}
				defer must.Close(ln)
			}

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, unix.SIGINT, unix.SIGTERM)
			defer signal.Stop(sigc)

			if e := serve(coord, sigc, func() { go systemdNotify() }); e != nil {
				return cli.Exit(e, 1)
			}
			return nil
		},
	})
}
