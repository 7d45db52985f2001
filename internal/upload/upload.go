// Package upload serves one firmware image over a one-shot TCP listener.
// The heater connects back after `update <ip> <length>` and reads raw bytes,
// no header, until the connection is closed.
package upload

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/threeway/heaterconsole/helpers"
	"github.com/threeway/heaterconsole/log2"
)

var ErrBusy = errors.New("upload already in progress")

type State uint32

const (
	StateIdle State = iota
	StateListening
	StateAccepted
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccepted:
		return "accepted"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

type Outcome uint8

const (
	OutcomeDone Outcome = iota
	// peer dropped the connection mid-stream, usual for a busy heater
	OutcomeReset
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeReset:
		return "reset"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

type Result struct {
	Outcome Outcome
	Sent    int64
	Size    int64
	Peer    net.Addr
	Err     error
}

func (r Result) String() string {
	return fmt.Sprintf("outcome=%s sent=%d size=%d peer=%v err=%v", r.Outcome, r.Sent, r.Size, r.Peer, r.Err)
}

type Server struct {
	addr          string
	acceptTimeout time.Duration
	alive         *alive.Alive
	log           *log2.Log

	mu     sync.Mutex
	active *Session
}

// NewServer acceptTimeout=0 waits for connection until ctx is done.
func NewServer(addr string, acceptTimeout time.Duration, a *alive.Alive, log *log2.Log) *Server {
	if a == nil {
		a = alive.NewAlive()
	}
	return &Server{
		addr:          addr,
		acceptTimeout: acceptTimeout,
		alive:         a,
		log:           log,
	}
}

// Open binds listener for firmware at path.
// Only one session may exist at a time, otherwise ErrBusy.
func (s *Server) Open(path string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrBusy
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(err, fmt.Sprintf("firmware path=%s", path))
		}
		return nil, errors.Annotatef(err, "firmware path=%s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "firmware stat path=%s", path)
	}
	if fi.IsDir() {
		f.Close()
		return nil, errors.NotValidf("firmware path=%s is directory", path)
	}
	ll, err := net.Listen("tcp4", s.addr)
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "upload listen addr=%s", s.addr)
	}

	sess := &Session{
		server:  s,
		path:    path,
		file:    f,
		size:    fi.Size(),
		ll:      ll.(*net.TCPListener),
		timeout: s.acceptTimeout,
		log:     s.log,
	}
	sess.setState(StateListening)
	s.active = sess
	s.log.Debugf("upload listening addr=%s path=%s size=%d", ll.Addr(), path, sess.size)
	return sess, nil
}

// Start opens session and serves it in background.
// done receives the result, cancel aborts the session at any stage.
func (s *Server) Start(ctx context.Context, path string, done func(Result)) (int64, func(), error) {
	sess, err := s.Open(path)
	if err != nil {
		return 0, nil, err
	}
	if !s.alive.Add(1) {
		sess.Close()
		return 0, nil, errors.Errorf("upload after shutdown")
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer s.alive.Done()
		defer cancel()
		r := sess.Serve(ctx)
		if done != nil {
			done(r)
		}
	}()
	return sess.size, cancel, nil
}

// Active returns current session or nil.
func (s *Server) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) release(sess *Session) {
	helpers.WithLock(&s.mu, func() {
		if s.active == sess {
			s.active = nil
		}
	})
}

type Session struct {
	server  *Server
	path    string
	file    *os.File
	size    int64
	ll      *net.TCPListener
	timeout time.Duration
	log     *log2.Log
	state   uint32

	mu      sync.Mutex
	conn    net.Conn
	serving bool
	aborted bool

	closeOnce   sync.Once
	llOnce      sync.Once
	releaseOnce sync.Once
}

func (s *Session) State() State   { return State(atomic.LoadUint32(&s.state)) }
func (s *Session) Addr() net.Addr { return s.ll.Addr() }
func (s *Session) Size() int64    { return s.size }

// setState never leaves StateClosed.
func (s *Session) setState(st State) {
	for {
		old := atomic.LoadUint32(&s.state)
		if State(old) == StateClosed {
			return
		}
		if atomic.CompareAndSwapUint32(&s.state, old, uint32(st)) {
			return
		}
	}
}

func (s *Session) closeListener() {
	s.llOnce.Do(func() { s.ll.Close() })
}

// Close aborts session at any stage, including a stalled stream.
// Safe to call many times, concurrently with Serve.
// Server accepts new session only after Serve has returned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreUint32(&s.state, uint32(StateClosed))
		s.closeListener()
		s.mu.Lock()
		s.aborted = true
		if s.conn != nil {
			s.conn.Close()
		}
		serving := s.serving
		s.mu.Unlock()
		if !serving {
			s.release()
		}
	})
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.file.Close()
		s.server.release(s)
	})
}

// keepConn returns false if session was aborted before accept completed.
func (s *Session) keepConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	s.conn = conn
	return true
}

// Serve accepts exactly one connection and streams the whole file to it.
func (s *Session) Serve(ctx context.Context) Result {
	helpers.WithLock(&s.mu, func() { s.serving = true })
	defer s.release()
	defer s.Close()
	r := Result{Size: s.size}

	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stopch:
		}
	}()

	if s.timeout > 0 {
		_ = s.ll.SetDeadline(time.Now().Add(s.timeout))
	}
	conn, err := s.ll.Accept()
	s.closeListener()
	if err == nil && !s.keepConn(conn) {
		conn.Close()
		err = errors.New("session closed")
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		r.Outcome = OutcomeFailed
		r.Err = errors.Annotatef(err, "upload accept addr=%s", s.ll.Addr())
		s.log.Error(r.Err)
		return r
	}
	defer conn.Close()
	s.setState(StateAccepted)
	r.Peer = conn.RemoteAddr()
	s.log.Infof("upload accepted peer=%s path=%s size=%d", r.Peer, s.path, s.size)

	s.setState(StateStreaming)
	r.Sent, err = io.Copy(conn, s.file)
	if err == nil && r.Sent != s.size {
		err = errors.Errorf("file changed during upload, expected size=%d", s.size)
	}
	if err == nil {
		err = conn.Close()
	}
	switch {
	case err == nil:
		r.Outcome = OutcomeDone
		s.log.Infof("upload done peer=%s sent=%d", r.Peer, r.Sent)
	case ctx.Err() == nil && isConnReset(err):
		r.Outcome = OutcomeReset
		r.Err = errors.Annotatef(err, "upload peer=%s sent=%d", r.Peer, r.Sent)
		s.log.Warningf("upload connection reset peer=%s sent=%d/%d", r.Peer, r.Sent, s.size)
	default:
		r.Outcome = OutcomeFailed
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		r.Err = errors.Annotatef(err, "upload peer=%s sent=%d", r.Peer, r.Sent)
		s.log.Error(r.Err)
	}
	return r
}

func isConnReset(err error) bool {
	err = errors.Cause(err)
	for err != nil {
		switch e := err.(type) {
		case syscall.Errno:
			return e == syscall.ECONNRESET || e == syscall.EPIPE || e == syscall.ECONNABORTED
		case *net.OpError:
			err = e.Err
		case *os.SyscallError:
			err = e.Err
		default:
			return false
		}
	}
	return false
}
