package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	relay_config "github.com/threeway/heaterconsole/internal/relay/config"
	"github.com/threeway/heaterconsole/log2"
)

// fakeBroker speaks just enough MQTT for one paho client.
type fakeBroker struct {
	ln      net.Listener
	command string
	done    chan struct{}
	subch   chan string
	pubch   chan packet.Message
}

func startFakeBroker(t testing.TB, command string) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{
		ln:      ln,
		command: command,
		done:    make(chan struct{}),
		subch:   make(chan string, 16),
		pubch:   make(chan packet.Message, 16),
	}
	go fb.serve()
	return fb
}

func (fb *fakeBroker) serve() {
	defer close(fb.done)
	conn, err := fb.ln.Accept()
	fb.ln.Close()
	if err != nil {
		return
	}
	b := transport.NewNetConn(conn)
	defer b.Close()
	for {
		pkt, err := b.Receive()
		if err != nil {
			return
		}
		var reply packet.Generic
		switch p := pkt.(type) {
		case *packet.Connect:
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			reply = connack

		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			for _, sub := range p.Subscriptions {
				suback.ReturnCodes = append(suback.ReturnCodes, sub.QOS)
				fb.subch <- sub.Topic
			}
			reply = suback

		case *packet.Publish:
			fb.pubch <- p.Message
			if p.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = p.ID
				reply = puback
			}

		case *packet.Unsubscribe:
			unsuback := packet.NewUnsuback()
			unsuback.ID = p.ID
			reply = unsuback

		case *packet.Pingreq:
			reply = packet.NewPingresp()

		case *packet.Disconnect:
			return
		}
		if reply != nil {
			if err := b.Send(reply, false); err != nil {
				return
			}
		}
		if _, ok := pkt.(*packet.Subscribe); ok && fb.command != "" {
			pub := packet.NewPublish()
			pub.Message = packet.Message{Topic: "heater/r/c", Payload: []byte(fb.command), QOS: packet.QOSAtMostOnce}
			if err := b.Send(pub, false); err != nil {
				return
			}
		}
	}
}

func TestTransportMqtt(t *testing.T) {
	fb := startFakeBroker(t, "report")
	config := relay_config.Config{
		Enabled:      true,
		MqttBroker:   "tcp://" + fb.ln.Addr().String(),
		ClientId:     "test-console",
		TopicPrefix:  "heater",
		KeepaliveSec: 30,
	}
	// paho logs from its own goroutines, possibly after test end
	log := log2.NewStderr(log2.LDebug)
	cmdch := make(chan string, 4)
	tr := &transportMqtt{}
	require.NoError(t, tr.Init(context.Background(), log, config, func(ctx context.Context, payload []byte) bool {
		cmdch <- string(payload)
		return true
	}))

	recvMessage := func() packet.Message {
		select {
		case m := <-fb.pubch:
			return m
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for publish")
		}
		return packet.Message{}
	}

	select {
	case topic := <-fb.subch:
		assert.Equal(t, "heater/r/c", topic)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for subscribe")
	}
	m := recvMessage()
	assert.Equal(t, "heater/c", m.Topic)
	assert.Equal(t, []byte{0x01}, m.Payload)
	assert.True(t, m.Retain)

	select {
	case line := <-cmdch:
		assert.Equal(t, "report", line)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for command")
	}

	require.True(t, tr.SendTelemetry("3339/10.0.0.50", []byte("07:08:09: 10.0.0.50 wrote: hello back")))
	m = recvMessage()
	assert.Equal(t, "heater/t/3339/10.0.0.50", m.Topic)
	assert.Equal(t, "07:08:09: 10.0.0.50 wrote: hello back", string(m.Payload))
	assert.Equal(t, packet.QOSAtLeastOnce, m.QOS)

	require.True(t, tr.SendCommandResponse([]byte("ok report")))
	m = recvMessage()
	assert.Equal(t, "heater/r/cr", m.Topic)
	assert.Equal(t, "ok report", string(m.Payload))

	tr.Close()
	m = recvMessage()
	assert.Equal(t, "heater/c", m.Topic)
	assert.Equal(t, []byte{0x00}, m.Payload)
	select {
	case <-fb.done:
	case <-time.After(testTimeout):
		t.Fatal("client did not disconnect")
	}
}
