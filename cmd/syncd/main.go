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

	"dsync/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		// First signal: drain gracefully. A second one force-stops.
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		go func() {
			<-sigCh
			a.Kill()
			os.Exit(1)
		}()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)

	case <-a.Done():
		// The engine drained itself (e.g. a system-fatal failure).
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
		os.Exit(1)
	}
}
