// heater-listen only prints heater and station telemetry.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/threeway/heaterconsole/internal/relay"
	"github.com/threeway/heaterconsole/internal/subcmd"
	"github.com/threeway/heaterconsole/internal/telemetry"
	"github.com/threeway/heaterconsole/log2"
)

type portList []int

func (p *portList) String() string {
	ss := make([]string, len(*p))
	for i, x := range *p {
		ss[i] = strconv.Itoa(x)
	}
	return strings.Join(ss, ",")
}

func (p *portList) Set(s string) error {
	x, err := strconv.Atoi(s)
	if err != nil {
		return errors.NotValidf("port=%s", s)
	}
	*p = append(*p, x)
	return nil
}

func main() {
	var ports portList
	flagConfig := flag.String("config", "", "HCL config file, built-in defaults when empty")
	flag.Var(&ports, "port", "UDP port to listen, repeat for more, overrides config")
	flag.Parse()

	log, _ := subcmd.NewLog(log2.LInfo)
	config := subcmd.MustReadConfig(log, *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	if len(ports) != 0 {
		config.Telemetry.Ports = ports
		if err := config.Validate(); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	a := alive.NewAlive()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rel := relay.New()
	console := telemetry.NewConsole(os.Stdout, "")
	listeners, err := telemetry.ListenAll(config.Telemetry.Ports, telemetry.Tee(console.Handle, rel.Telemetry), telemetry.Options{
		BufferSize: config.Telemetry.BufferSize,
		Shared:     config.Telemetry.Shared,
		Log:        log,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	// passive monitor, remote commands are refused
	if err := rel.Init(ctx, log, config.Relay, nil); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	for _, l := range listeners {
		a.Add(1)
		go func(l *telemetry.Listener) {
			defer a.Done()
			if err := l.Run(ctx); err != nil {
				log.Error(errors.ErrorStack(err))
			}
		}(l)
	}
	subcmd.StopOnSignal(log, a)
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	os.Stdout.WriteString("Ready to go!\n")

	<-a.StopChan()
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	cancel()
	for _, l := range listeners {
		l.Close()
	}
	rel.Close()
	select {
	case <-a.WaitChan():
	case <-time.After(5 * time.Second):
		log.Errorf("shutdown timeout, exit anyway")
	}
}
