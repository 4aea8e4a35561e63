package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"farmd/internal/app"
	"farmd/internal/probe"
	logx "farmd/pkg/logx"
)

func main() {
	var cfgPath string
	var probeTimeout time.Duration
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.DurationVar(&probeTimeout, "probe-timeout", 30*time.Second, "per-cycle timeout for the built-in probe runner")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := probe.New(probeTimeout, logx.NewConsole("INFO").With(logx.String("comp", "probe")))

	a, err := app.New(cfgPath, runner)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	a.Stop(stopCtx)
}
