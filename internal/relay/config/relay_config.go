// Separate package is workaround to import cycles.
package relay_config

type Config struct { //nolint:maligned
	Enabled      bool   `hcl:"enable"`
	LogDebug     bool   `hcl:"log_debug"`
	MqttBroker   string `hcl:"mqtt_broker"`
	MqttPassword string `hcl:"mqtt_password"` // secret
	ClientId     string `hcl:"client_id"`
	TopicPrefix  string `hcl:"topic_prefix"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	QueuePath    string `hcl:"queue_path"`
}

const (
	DefaultMqttBroker  = "tcp://localhost:1883"
	DefaultClientId    = "heaterconsole"
	DefaultTopicPrefix = "heater"
	DefaultQueuePath   = "./tmp-heater-relay"
)
