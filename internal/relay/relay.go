// Package relay mirrors console telemetry lines to an MQTT broker and
// accepts command lines from it.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
	"github.com/threeway/heaterconsole/helpers"
	relay_config "github.com/threeway/heaterconsole/internal/relay/config"
	"github.com/threeway/heaterconsole/internal/telemetry"
	"github.com/threeway/heaterconsole/log2"
)

// CommandFunc executes one command line, normally Dispatcher.Exec.
type CommandFunc func(ctx context.Context, line string) error

type Stat struct {
	Queued  uint64
	Sent    uint64
	Retried uint64
}

// Relay contract:
// - Init fails only with invalid config or queue error, network issues ignored
// - Telemetry blocks at most for disk write, delivery happens in background
// - lines are delivered at least once, failed delivery is retried with backoff
// - disabled Relay accepts all calls and does nothing
type Relay struct {
	config    relay_config.Config
	log       *log2.Log
	transport Transporter
	q         *spq.Queue
	alive     *alive.Alive
	backoff   helpers.Backoff
	onCommand CommandFunc

	queued  uint64
	sent    uint64
	retried uint64
}

func New() *Relay {
	return &Relay{}
}

func NewWithTransporter(trans Transporter) *Relay {
	return &Relay{transport: trans}
}

func (self *Relay) Init(ctx context.Context, log *log2.Log, config relay_config.Config, onCommand CommandFunc) error {
	self.config = config
	self.log = log
	if !config.Enabled {
		self.log.Debugf("relay disabled")
		return nil
	}
	if config.LogDebug {
		self.log = log.Clone(log2.LDebug)
	}
	if config.QueuePath == "" {
		return errors.NotValidf("relay queue_path=empty")
	}
	if self.backoff.Max == 0 {
		self.backoff = helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2}
	}
	self.onCommand = onCommand
	self.alive = alive.NewAlive()

	var err error
	self.q, err = spq.Open(config.QueuePath)
	if err != nil {
		self.q = nil
		return errors.Annotatef(err, "relay queue path=%s", config.QueuePath)
	}
	// test code sets .transport
	if self.transport == nil {
		self.transport = &transportMqtt{}
	}
	if err := self.transport.Init(ctx, self.log, config, self.onCommandMessage); err != nil {
		self.q.Close()
		self.q = nil
		return errors.Annotate(err, "relay transport")
	}

	self.alive.Add(1)
	go self.qworker()
	self.log.Debugf("relay started broker=%s prefix=%s", config.MqttBroker, config.TopicPrefix)
	return nil
}

func (self *Relay) Enabled() bool { return self.q != nil }

// Close blocks until queue worker is stopped.
// Undelivered items stay in queue for next start.
func (self *Relay) Close() {
	if self.q == nil {
		return
	}
	self.alive.Stop()
	if err := self.q.Close(); err != nil {
		self.log.Errorf("relay queue close err=%v", err)
	}
	self.alive.Wait()
	self.transport.Close()
}

func (self *Relay) Stat() Stat {
	return Stat{
		Queued:  atomic.LoadUint64(&self.queued),
		Sent:    atomic.LoadUint64(&self.sent),
		Retried: atomic.LoadUint64(&self.retried),
	}
}

// Telemetry has telemetry.Handler signature.
func (self *Relay) Telemetry(d telemetry.Datagram) {
	if self.q == nil {
		return
	}
	suffix := fmt.Sprintf("%d/%s", d.Port, d.From)
	if err := self.q.Push(encodeItem(qTelemetry, suffix, []byte(d.Line()))); err != nil {
		self.log.Errorf("relay queue push err=%v", err)
		return
	}
	atomic.AddUint64(&self.queued, 1)
}

func (self *Relay) onCommandMessage(ctx context.Context, payload []byte) bool {
	if !utf8.Valid(payload) {
		self.log.Errorf("relay command invalid utf-8 payload=%x", payload)
		return true
	}
	line := strings.TrimSpace(string(payload))
	self.log.Infof("relay command '%s'", line)
	response := "ok " + line
	if self.onCommand == nil {
		response = "error " + line + ": commands not accepted"
	} else if err := self.onCommand(ctx, line); err != nil {
		self.log.Errorf("relay command '%s' err=%v", line, errors.ErrorStack(err))
		response = fmt.Sprintf("error %s: %v", line, err)
	}
	if err := self.q.Push(encodeItem(qCommandResponse, "", []byte(response))); err != nil {
		self.log.Errorf("relay queue push response err=%v", err)
	}
	return true
}

// denote value type in persistent queue bytes form
const (
	qCommandResponse byte = 1
	qTelemetry       byte = 2
)

// item layout: tag, topic suffix, 0x00, payload
func encodeItem(tag byte, suffix string, payload []byte) []byte {
	b := make([]byte, 0, 2+len(suffix)+len(payload))
	b = append(b, tag)
	b = append(b, suffix...)
	b = append(b, 0)
	return append(b, payload...)
}

func decodeItem(b []byte) (byte, string, []byte, error) {
	if len(b) < 2 {
		return 0, "", nil, errors.NotValidf("relay item=%x short", b)
	}
	i := bytes.IndexByte(b[1:], 0)
	if i < 0 {
		return 0, "", nil, errors.NotValidf("relay item=%x no separator", b)
	}
	return b[0], string(b[1 : 1+i]), b[2+i:], nil
}

func (self *Relay) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			var del bool
			del, err = self.qhandle(b)
			if err != nil {
				self.log.Errorf("relay qhandle b=%x err=%v", b, err)
			}
			if del {
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("relay qhandle Delete b=%x err=%v", b, err)
				}
			} else {
				atomic.AddUint64(&self.retried, 1)
				if err = self.q.DeletePush(box); err != nil {
					self.log.Errorf("relay qhandle DeletePush b=%x err=%v", b, err)
				}
			}
			if delay := self.backoff.DelayAfter(del); delay != 0 {
				self.log.Debugf("relay delivery failed, retry in %v", delay)
				select {
				case <-time.After(delay):
				case <-self.alive.StopChan():
					return
				}
			}

		case spq.ErrClosed:
			if !self.alive.IsRunning() { // success path
				return
			}
			self.log.Errorf("CRITICAL relay spq closed unexpectedly")
			return

		default:
			self.log.Errorf("CRITICAL relay spq err=%v", err)
			select {
			case <-time.After(self.backoff.Max):
			case <-self.alive.StopChan():
				return
			}
		}
	}
}

// qhandle returns true when item is done, either delivered or hopeless.
func (self *Relay) qhandle(b []byte) (bool, error) {
	tag, suffix, payload, err := decodeItem(b)
	if err != nil {
		return true, err
	}
	var ok bool
	switch tag {
	case qTelemetry:
		ok = self.transport.SendTelemetry(suffix, payload)
	case qCommandResponse:
		ok = self.transport.SendCommandResponse(payload)
	default:
		return true, errors.Errorf("unknown kind=%d", tag)
	}
	if ok {
		atomic.AddUint64(&self.sent, 1)
	}
	return ok, nil
}
