// Package telemetry receives free text status datagrams broadcast by
// the heater and the temperature station.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/threeway/heaterconsole/helpers"
	"github.com/threeway/heaterconsole/helpers/atomic_clock"
	"github.com/threeway/heaterconsole/log2"
)

// DefaultBufferSize matches the largest datagram the station firmware sends.
const DefaultBufferSize = 8192

const (
	readRetryMin = 10 * time.Millisecond
	readRetryMax = 2 * time.Second
)

type Datagram struct {
	Port    int
	From    net.IP
	Time    time.Time
	Payload string
	// false when payload bytes were not UTF-8 and got replaced
	Valid bool
	// payload was cut to buffer size
	Truncated bool
}

// Line format: `HH:MM:SS: <sender-ip> wrote: <payload>`
func (d Datagram) Line() string {
	return fmt.Sprintf("%s: %s wrote: %s", d.Time.Format("15:04:05"), d.From, d.Payload)
}

// Handler is called exactly once per datagram, from the listener goroutine.
type Handler func(Datagram)

type Options struct {
	BufferSize int
	// Shared sets SO_REUSEADDR so other monitors may bind same port.
	Shared bool
	Log    *log2.Log
}

type Stat struct {
	Received  uint64
	Invalid   uint64
	Truncated uint64
	Last      time.Time
}

type Listener struct {
	// atomic, keep first for 64-bit alignment
	received  uint64
	invalid   uint64
	truncated uint64
	last      atomic_clock.Clock
	retry     helpers.Backoff

	port    int
	conn    *net.UDPConn
	handler Handler
	log     *log2.Log
	bufsize int
	read    func([]byte) (int, *net.UDPAddr, error)
}

// Listen binds UDP port on all IPv4 interfaces. Port=0 picks ephemeral port.
func Listen(port int, handler Handler, opt Options) (*Listener, error) {
	if handler == nil {
		return nil, errors.Errorf("code error telemetry.Listen handler=nil")
	}
	lc := net.ListenConfig{}
	if opt.Shared {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Annotatef(err, "telemetry listen port=%d", port)
	}
	conn := pc.(*net.UDPConn)
	l := &Listener{
		port:    conn.LocalAddr().(*net.UDPAddr).Port,
		conn:    conn,
		handler: handler,
		log:     opt.Log,
		bufsize: opt.BufferSize,
		read:    conn.ReadFromUDP,
		retry:   helpers.Backoff{Min: readRetryMin, Max: readRetryMax, K: 2},
	}
	if l.bufsize <= 0 {
		l.bufsize = DefaultBufferSize
	}
	return l, nil
}

// ListenAll binds every port or none.
func ListenAll(ports []int, handler Handler, opt Options) ([]*Listener, error) {
	ls := make([]*Listener, 0, len(ports))
	for _, p := range ports {
		l, err := Listen(p, handler, opt)
		if err != nil {
			for _, bound := range ls {
				bound.Close()
			}
			return nil, err
		}
		ls = append(ls, l)
	}
	return ls, nil
}

func (l *Listener) Port() int { return l.port }

func (l *Listener) Addr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

func (l *Listener) Close() error { return l.conn.Close() }

func (l *Listener) Stat() Stat {
	return Stat{
		Received:  atomic.LoadUint64(&l.received),
		Invalid:   atomic.LoadUint64(&l.invalid),
		Truncated: atomic.LoadUint64(&l.truncated),
		Last:      l.last.Time(),
	}
}

// Run receives until ctx is done or socket closed, returns nil in both cases.
func (l *Listener) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.Close()
		case <-done:
		}
	}()

	l.log.Debugf("telemetry listening port=%d", l.port)
	// one spare byte tells oversized datagram from exact fit
	buf := make([]byte, l.bufsize+1)
	failing := false
	for {
		n, from, err := l.read(buf)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				l.log.Debugf("telemetry port=%d stopped", l.port)
				return nil
			}
			// transient, e.g. ICMP port unreachable echo on some stacks
			failing = true
			delay := l.retry.DelayAfter(false)
			l.log.Errorf("telemetry port=%d read err=%v retry in %v", l.port, err, delay)
			select {
			case <-ctx.Done():
				l.log.Debugf("telemetry port=%d stopped", l.port)
				return nil
			case <-time.After(delay):
			}
			continue
		}
		if failing {
			failing = false
			l.retry.Reset()
		}
		truncated := n > l.bufsize
		if truncated {
			n = l.bufsize
		}
		l.receive(from, buf[:n], truncated)
	}
}

func (l *Listener) receive(from *net.UDPAddr, b []byte, truncated bool) {
	d := Datagram{
		Port:      l.port,
		From:      from.IP,
		Time:      time.Now(),
		Valid:     utf8.Valid(b),
		Truncated: truncated,
	}
	if truncated {
		atomic.AddUint64(&l.truncated, 1)
		l.log.Warningf("telemetry port=%d from=%s datagram longer than buffer=%d, truncated", l.port, from.IP, l.bufsize)
	}
	var s string
	if d.Valid {
		s = string(b)
	} else {
		atomic.AddUint64(&l.invalid, 1)
		l.log.Warningf("telemetry port=%d from=%s invalid utf-8 payload=%x", l.port, from.IP, b)
		s = strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}
	d.Payload = strings.TrimRightFunc(s, unicode.IsSpace)
	atomic.AddUint64(&l.received, 1)
	l.last.SetTime(d.Time)
	l.handle(d)
}

func (l *Listener) handle(d Datagram) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("telemetry port=%d handler panic=%v", l.port, r)
		}
	}()
	l.handler(d)
}

func isClosed(err error) bool {
	// net.ErrClosed is wrapped in *net.OpError
	if oe, ok := err.(*net.OpError); ok {
		return oe.Err == net.ErrClosed || strings.Contains(oe.Err.Error(), "use of closed network connection")
	}
	return false
}

// Console prints datagram lines followed by prompt marker.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	marker string
}

func NewConsole(w io.Writer, marker string) *Console {
	return &Console{w: w, marker: marker}
}

func (c *Console) Handle(d Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s\n%s", d.Line(), c.marker)
}

// Tee calls all handlers in order.
func Tee(hs ...Handler) Handler {
	return func(d Datagram) {
		for _, h := range hs {
			h(d)
		}
	}
}
