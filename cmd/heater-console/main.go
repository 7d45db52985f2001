// heater-console monitors heater telemetry and sends it commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/threeway/heaterconsole/helpers/cli"
	"github.com/threeway/heaterconsole/internal/command"
	"github.com/threeway/heaterconsole/internal/dispatch"
	"github.com/threeway/heaterconsole/internal/relay"
	"github.com/threeway/heaterconsole/internal/subcmd"
	"github.com/threeway/heaterconsole/internal/telemetry"
	"github.com/threeway/heaterconsole/internal/upload"
	"github.com/threeway/heaterconsole/log2"
)

const (
	modName         = "heater-console"
	promptMarker    = ". "
	shutdownTimeout = 5 * time.Second
)

func main() {
	flagConfig := flag.String("config", "", "HCL config file, built-in defaults when empty")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log, _ := subcmd.NewLog(log2.LInfo)
	config := subcmd.MustReadConfig(log, *flagConfig)
	if config.LogDebug || *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("config %s", config)

	a := alive.NewAlive()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rel := relay.New()
	console := telemetry.NewConsole(os.Stdout, promptMarker)
	listeners, err := telemetry.ListenAll(config.Telemetry.Ports, telemetry.Tee(console.Handle, rel.Telemetry), telemetry.Options{
		BufferSize: config.Telemetry.BufferSize,
		Shared:     config.Telemetry.Shared,
		Log:        log,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	controlAddr, err := config.ControlUDPAddr()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	sender, err := dispatch.NewUDPSender(controlAddr)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer sender.Close()
	uploads := upload.NewServer(config.UploadAddr(), config.AcceptTimeout(), a, log)
	d := dispatch.New(config, sender, uploads, os.Stdout, log)

	if err := rel.Init(ctx, log, config.Relay, d.Exec); err != nil {
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
	log.Infof("listening ports=%v control=%s, type help for commands", config.Telemetry.Ports, controlAddr)

	exec := func(line string) {
		if err := d.Exec(ctx, line); err != nil {
			log.Error(err)
			log.Debug(errors.ErrorStack(err))
		}
	}
	// stdin read can not be interrupted, so input loop is not an alive task
	go func() {
		if err := cli.MainLoop(modName, exec, newCompleter(), prompt.OptionPrefix(promptMarker)); err != nil {
			log.Error(errors.Annotate(err, "console input"))
		}
		a.Stop()
	}()

	<-a.StopChan()
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	cancel()
	for _, l := range listeners {
		l.Close()
		st := l.Stat()
		log.Debugf("telemetry port=%d received=%d invalid=%d truncated=%d", l.Port(), st.Received, st.Invalid, st.Truncated)
	}
	rel.Close()
	select {
	case <-a.WaitChan():
	case <-time.After(shutdownTimeout):
		log.Errorf("shutdown timeout=%v, exit anyway", shutdownTimeout)
	}
	fmt.Println()
}

func newCompleter() prompt.Completer {
	names := command.Names()
	suggests := make([]prompt.Suggest, 0, len(names))
	for _, n := range names {
		suggests = append(suggests, prompt.Suggest{Text: n.Text, Description: n.Description})
	}
	return cli.Completer(suggests)
}
