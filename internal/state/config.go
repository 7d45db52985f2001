package state

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/threeway/heaterconsole/helpers"
	relay_config "github.com/threeway/heaterconsole/internal/relay/config"
	"github.com/threeway/heaterconsole/log2"
)

// Values shared with the heater firmware and the temperature station.
const (
	DefaultTemperaturePort = 3339
	DefaultBroadcastPort   = 3341
	DefaultControlAddress  = "10.0.0.255:3337"
	DefaultUploadPort      = 3343
	DefaultFirmwarePath    = "build/3way_controller.bin"
	DefaultBufferSize      = 8192
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Telemetry struct {
		Ports      []int `hcl:"ports"`
		Shared     bool  `hcl:"shared"`
		BufferSize int   `hcl:"buffer_size"`
	} `hcl:"telemetry"`

	Control struct {
		Address string `hcl:"address"`
	} `hcl:"control"`

	Upload struct {
		Port             int    `hcl:"port"`
		Firmware         string `hcl:"firmware"`
		LocalIP          string `hcl:"local_ip"`
		AcceptTimeoutSec int    `hcl:"accept_timeout_sec"`
	} `hcl:"upload"`

	Relay relay_config.Config `hcl:"relay"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) UploadAddr() string { return ":" + strconv.Itoa(c.Upload.Port) }

func (c *Config) AcceptTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Upload.AcceptTimeoutSec, 0)
}

func (c *Config) ControlUDPAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", c.Control.Address)
	return addr, errors.Annotatef(err, "config control.address=%s", c.Control.Address)
}

func (c *Config) setDefaults() {
	if c.Telemetry.Ports == nil {
		c.Telemetry.Ports = []int{DefaultTemperaturePort, DefaultBroadcastPort}
	}
	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = DefaultBufferSize
	}
	if c.Control.Address == "" {
		c.Control.Address = DefaultControlAddress
	}
	if c.Upload.Port == 0 {
		c.Upload.Port = DefaultUploadPort
	}
	if c.Upload.Firmware == "" {
		c.Upload.Firmware = DefaultFirmwarePath
	}
	if c.Relay.MqttBroker == "" {
		c.Relay.MqttBroker = relay_config.DefaultMqttBroker
	}
	if c.Relay.ClientId == "" {
		c.Relay.ClientId = relay_config.DefaultClientId
	}
	if c.Relay.TopicPrefix == "" {
		c.Relay.TopicPrefix = relay_config.DefaultTopicPrefix
	}
	if c.Relay.QueuePath == "" {
		c.Relay.QueuePath = relay_config.DefaultQueuePath
	}
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	checkPort := func(name string, p int) {
		if p < 1 || p > 65535 {
			errs = append(errs, errors.NotValidf("config %s=%d port", name, p))
		}
	}

	if len(c.Telemetry.Ports) == 0 {
		errs = append(errs, errors.NotValidf("config telemetry.ports=empty"))
	}
	seen := make(map[int]struct{}, len(c.Telemetry.Ports)+1)
	for _, p := range c.Telemetry.Ports {
		checkPort("telemetry.ports", p)
		if _, ok := seen[p]; ok {
			errs = append(errs, errors.NotValidf("config telemetry.ports duplicate=%d", p))
		}
		seen[p] = struct{}{}
	}
	if c.Telemetry.BufferSize < 0 {
		errs = append(errs, errors.NotValidf("config telemetry.buffer_size=%d", c.Telemetry.BufferSize))
	}
	checkPort("upload.port", c.Upload.Port)
	if c.Upload.AcceptTimeoutSec < 0 {
		errs = append(errs, errors.NotValidf("config upload.accept_timeout_sec=%d", c.Upload.AcceptTimeoutSec))
	}
	if c.Upload.LocalIP != "" && net.ParseIP(c.Upload.LocalIP).To4() == nil {
		errs = append(errs, errors.NotValidf("config upload.local_ip=%s", c.Upload.LocalIP))
	}
	if addr, err := c.ControlUDPAddr(); err != nil {
		errs = append(errs, err)
	} else {
		checkPort("control.address", addr.Port)
	}
	if c.Relay.Enabled && c.Relay.MqttBroker == "" {
		errs = append(errs, errors.NotValidf("config relay.enable=true mqtt_broker=empty"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) String() string {
	return fmt.Sprintf("telemetry.ports=%v control=%s upload.port=%d firmware=%s relay=%t",
		c.Telemetry.Ports, c.Control.Address, c.Upload.Port, c.Upload.Firmware, c.Relay.Enabled)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values overwrite earlier.
// Unset values get defaults, then the result is validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.setDefaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
