// olmctl manages an olm device account and its room keys stored in a local
// crypto store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func realMain() error {
	cfg, args, err := obtainSettings(os.Args[1:], os.Stdout)
	if errors.Is(err, errCmdDone) {
		return nil
	}
	if err != nil {
		return err
	}

	// Console logs go to stderr so command output can be piped.
	logBknd, err := newLogBackend(os.Stderr, cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logBknd.Close()
	log := logBknd.logger("CTL")
	log.Debugf("Running %s version %s", appName, version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(cfg, logBknd, os.Stdout)
	err = a.run(ctx, args)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Infof("Interrupted")
		return nil
	}
	return err
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}
