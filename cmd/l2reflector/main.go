// Command l2reflector provisions an L2 reflector on a programmable NIC.
package main

import (
	"bytes"
	"os"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"
	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/core/version"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var logger = logging.New("main")

var app = &cli.App{
	Version: version.V.String(),
	Usage:   "Provision an L2 reflector on a programmable NIC.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log `level` of all packages: V, D, I, W, E, F.",
		},
	},
	Before: func(c *cli.Context) error {
		if lvl := c.String("log-level"); lvl != "" {
			logging.SetAllLevels(lvl)
		}
		return nil
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func main() {
	var uname unix.Utsname
	unix.Uname(&uname)
	logger.Debug("l2reflector starting",
		zap.Any("version", version.V),
		zap.Int("uid", os.Getuid()),
		zap.ByteString("linux", bytes.TrimRight(uname.Release[:], string([]byte{0}))),
		zap.Bool("flexio", hasFlexIO),
	)

	sort.Sort(cli.CommandsByName(app.Commands))
	if e := app.Run(os.Args); e != nil {
		logger.Fatal("command error", zap.Error(e))
	}
}

func systemdNotify() {
	daemon.SdNotify(false, daemon.SdNotifyReady)

	d, e := daemon.SdWatchdogEnabled(false)
	if d == 0 || e != nil {
		logger.Debug("systemd watchdog not configured", zap.Error(e))
		return
	}

	d /= 2
	logger.Debug("systemd watchdog enabled", zap.Duration("duration", d))
	for range time.Tick(d) {
		daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
}
