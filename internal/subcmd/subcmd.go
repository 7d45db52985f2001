// Start up and shutdown plumbing shared by heater binaries.
package subcmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/threeway/heaterconsole/internal/state"
	"github.com/threeway/heaterconsole/log2"
)

// SdNotify returns true when running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// NewLog picks log flags for systemd journal or terminal.
func NewLog(level log2.Level) (*log2.Log, bool) {
	log := log2.NewStderr(level)
	underSystemd := SdNotify(log, "STATUS=start")
	if underSystemd {
		// journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	return log, underSystemd
}

// MustReadConfig path="" means built-in defaults.
// Includes are resolved relative to config file directory.
func MustReadConfig(log *log2.Log, path string) *state.Config {
	if path == "" {
		return state.DefaultConfig()
	}
	fs, err := state.NewOsFullReader(filepath.Dir(path))
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return state.MustReadConfig(log, fs, fs.Normalize(path))
}

// StopOnSignal stops a on first SIGINT, SIGTERM, SIGHUP or SIGQUIT.
// Second signal terminates process immediately.
func StopOnSignal(log *log2.Log, a *alive.Alive) {
	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		s := <-sigch
		log.Infof("signal=%v stopping", s)
		a.Stop()
		s = <-sigch
		log.Errorf("signal=%v again, exit now", s)
		os.Exit(1)
	}()
}
