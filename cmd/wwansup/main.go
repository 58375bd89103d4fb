package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wwansup/wwansup"
	"github.com/wwansup/wwansup/hostnet"
	"github.com/wwansup/wwansup/internal/version"
	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/probe"
	"github.com/wwansup/wwansup/qmi"
	"github.com/wwansup/wwansup/svcbus"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))

	os.Exit(run())
}

func run() int {
	log.Infof("Starting %s (%s)", version.String(), version.BuildString())

	transport, err := qmi.Open()
	if err != nil {
		log.Errorf("Failed to initialize the QMI transport: %v", err)
		return 1
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Error(err)
		}
	}()

	host, err := hostnet.New()
	if err != nil {
		log.Errorf("Failed to initialize netlink layer: %v", err)
		return 1
	}
	defer host.Close()

	bus, err := svcbus.Connect(context.Background())
	if err != nil {
		log.Errorf("Failed to connect to the system bus: %v", err)
		return 1
	}
	defer bus.Close()

	sup := wwansup.New(wwansup.Config{
		Host:   host,
		Bus:    bus,
		Modem:  wwansup.NewModem(transport),
		Prober: probe.New(""),
	})

	// In-flight modem calls run to completion (or their own timeout);
	// a signal only flags the supervisor's next cooperative check.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("got signal to exit: %v", sig)
		sup.RequestExit()
	}()

	if err := sup.Run(context.Background()); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}
