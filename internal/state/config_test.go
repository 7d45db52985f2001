package state

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/threeway/heaterconsole/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, []int{3339, 3341}, c.Telemetry.Ports)
			assert.Equal(t, "10.0.0.255:3337", c.Control.Address)
			assert.Equal(t, ":3343", c.UploadAddr())
			assert.Equal(t, "build/3way_controller.bin", c.Upload.Firmware)
			assert.Equal(t, DefaultBufferSize, c.Telemetry.BufferSize)
			assert.Equal(t, time.Duration(0), c.AcceptTimeout())
			assert.False(t, c.Relay.Enabled)
			assert.Equal(t, "heater", c.Relay.TopicPrefix)
		}, ""},

		{"override", `
log_debug = true
telemetry { ports = [4001] shared = true }
control { address = "192.168.1.255:4000" }
upload {
	port = 4002
	firmware = "/tmp/fw.bin"
	local_ip = "192.168.1.10"
	accept_timeout_sec = 30
}`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.LogDebug)
				assert.Equal(t, []int{4001}, c.Telemetry.Ports)
				assert.True(t, c.Telemetry.Shared)
				addr, err := c.ControlUDPAddr()
				assert.NoError(t, err)
				assert.Equal(t, 4000, addr.Port)
				assert.Equal(t, ":4002", c.UploadAddr())
				assert.Equal(t, "/tmp/fw.bin", c.Upload.Firmware)
				assert.Equal(t, "192.168.1.10", c.Upload.LocalIP)
				assert.Equal(t, 30*time.Second, c.AcceptTimeout())
			}, ""},

		{"relay", `relay { enable = true mqtt_broker = "tcp://broker:1883" topic_prefix = "home/heater" }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Relay.Enabled)
				assert.Equal(t, "tcp://broker:1883", c.Relay.MqttBroker)
				assert.Equal(t, "home/heater", c.Relay.TopicPrefix)
				assert.Equal(t, "heaterconsole", c.Relay.ClientId)
			}, ""},

		{"include-normalize", `
upload { port = 5000 }
include "./empty" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 5000, c.Upload.Port)
			}, ""},

		{"include-optional", `
include "upload-port-7000" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7000, c.Upload.Port)
			}, ""},

		{"include-overwrites", `
upload { port = 5000 }
include "upload-port-7000" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7000, c.Upload.Port)
			}, ""},

		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-port", `telemetry { ports = [3339, 70000] }`, nil, "telemetry.ports=70000 port not valid"},
		{"error-duplicate-port", `telemetry { ports = [3339, 3339] }`, nil, "duplicate=3339"},
		{"error-local-ip", `upload { local_ip = "heater" }`, nil, "upload.local_ip=heater"},
		{"error-multiple", `upload { port = -1 accept_timeout_sec = -5 }`, nil, "upload.port=-1 port not valid\nconfig upload.accept_timeout_sec=-5"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":      c.input,
				"empty":            "",
				"upload-port-7000": "upload{port=7000}",
				"include-loop":     `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil {
					t.Fatalf("error expected='%s' actual=nil", c.expectErr)
				}
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	assert.NoError(t, c.Validate())
	assert.Equal(t, "telemetry.ports=[3339 3341] control=10.0.0.255:3337 upload.port=3343 firmware=build/3way_controller.bin relay=false", c.String())
}
