// Package dispatch executes operator command lines against the heater.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/threeway/heaterconsole/internal/command"
	"github.com/threeway/heaterconsole/internal/state"
	"github.com/threeway/heaterconsole/internal/upload"
	"github.com/threeway/heaterconsole/log2"
)

type Sender interface {
	Send(text string) error
}

type Uploader interface {
	Start(ctx context.Context, path string, done func(upload.Result)) (int64, func(), error)
}

type Dispatcher struct {
	mu       sync.Mutex
	config   *state.Config
	sender   Sender
	uploader Uploader
	out      io.Writer
	log      *log2.Log
	localIP  func(remote *net.UDPAddr) (net.IP, error)
}

func New(config *state.Config, sender Sender, uploader Uploader, out io.Writer, log *log2.Log) *Dispatcher {
	return &Dispatcher{
		config:   config,
		sender:   sender,
		uploader: uploader,
		out:      out,
		log:      log,
		localIP:  LocalIP,
	}
}

// Exec runs one input line. Calls are serialized, so console and relay
// may share one dispatcher.
func (d *Dispatcher) Exec(ctx context.Context, line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := command.Parse(line)
	d.log.Debugf("dispatch kind=%s text='%s'", cmd.Kind, cmd.Text)
	switch cmd.Kind {
	case command.KindEmpty:
		return nil

	case command.KindHelp:
		_, err := io.WriteString(d.out, command.Usage)
		return err

	case command.KindUpload:
		return d.upload(ctx)

	case command.KindRaw:
		if err := command.Check(cmd.Text); err != nil {
			d.log.Warningf("heater may reject: %v", err)
		}
		if err := d.sender.Send(cmd.Text); err != nil {
			return errors.Annotatef(err, "send '%s'", cmd.Text)
		}
		fmt.Fprintf(d.out, "sent %s\n", cmd.Text)
		return nil
	}
	return errors.Errorf("code error dispatch unknown kind=%s", cmd.Kind)
}

func (d *Dispatcher) upload(ctx context.Context) error {
	path := d.config.Upload.Firmware
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFound(err, fmt.Sprintf("firmware path=%s", path))
		}
		return errors.Annotatef(err, "firmware path=%s", path)
	}
	if fi.IsDir() {
		return errors.NotValidf("firmware path=%s is directory", path)
	}

	ip, err := d.uploadIP()
	if err != nil {
		return err
	}

	size, cancel, err := d.uploader.Start(ctx, path, d.uploadDone)
	if err != nil {
		return errors.Annotate(err, "upload")
	}
	text := fmt.Sprintf("update %s %d", ip, size)
	if err := d.sender.Send(text); err != nil {
		cancel()
		return errors.Annotatef(err, "send '%s'", text)
	}
	fmt.Fprintf(d.out, "sent %s\n", text)
	return nil
}

func (d *Dispatcher) uploadIP() (net.IP, error) {
	if s := d.config.Upload.LocalIP; s != "" {
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return nil, errors.NotValidf("upload.local_ip=%s", s)
		}
		return ip, nil
	}
	remote, err := d.config.ControlUDPAddr()
	if err != nil {
		return nil, err
	}
	ip, err := d.localIP(remote)
	return ip, errors.Annotate(err, "local ip for upload")
}

func (d *Dispatcher) uploadDone(r upload.Result) {
	d.log.Debugf("upload finished %s", r.String())
}

// LocalIP returns address of the interface that routes to remote.
// No packets are sent.
func LocalIP(remote *net.UDPAddr) (net.IP, error) {
	conn, err := net.DialUDP("udp4", nil, remote)
	if err != nil {
		return nil, errors.Annotatef(err, "route to %s", remote)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return nil, errors.NotFoundf("local address to %s", remote)
	}
	return addr.IP, nil
}

// UDPSender writes every command as one datagram to the control address.
type UDPSender struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func NewUDPSender(addr *net.UDPAddr) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Annotate(err, "control socket")
	}
	return &UDPSender{conn: conn, addr: addr}, nil
}

func (s *UDPSender) Send(text string) error {
	_, err := s.conn.WriteToUDP([]byte(text), s.addr)
	return errors.Annotatef(err, "control addr=%s", s.addr)
}

func (s *UDPSender) Close() error { return s.conn.Close() }
