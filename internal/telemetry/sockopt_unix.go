//go:build !windows
// +build !windows

package telemetry

import (
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Broadcast datagrams are delivered to every socket bound with SO_REUSEADDR.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = errors.Annotate(err, "set SO_REUSEADDR")
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
