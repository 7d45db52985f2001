package relay

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/threeway/heaterconsole/helpers"
	relay_config "github.com/threeway/heaterconsole/internal/relay/config"
	"github.com/threeway/heaterconsole/log2"
)

const defaultPublishTimeout = 10 * time.Second

type transportMqtt struct {
	log       *log2.Log
	onCommand func([]byte) bool
	m         mqtt.Client
	mopt      *mqtt.ClientOptions

	publishTimeout time.Duration
	topicPrefix    string
	topicConnect   string
	topicCommand   string
	topicResponse  string
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, config relay_config.Config, onCommand CommandCallback) error {
	self.log = log
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	credFun := func() (string, string) {
		return config.ClientId, config.MqttPassword
	}
	self.onCommand = func(payload []byte) bool {
		return onCommand(ctx, payload)
	}
	self.topicPrefix = config.TopicPrefix
	self.topicConnect = fmt.Sprintf("%s/c", self.topicPrefix)
	self.topicCommand = fmt.Sprintf("%s/r/c", self.topicPrefix)
	self.topicResponse = fmt.Sprintf("%s/r/cr", self.topicPrefix)
	keepAlive := helpers.IntSecondDefault(config.KeepaliveSec, 60*time.Second)
	retryInterval := helpers.IntSecondDefault(config.KeepaliveSec/2, 30*time.Second)
	self.publishTimeout = defaultPublishTimeout

	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetBinaryWill(self.topicConnect, []byte{0x00}, 1, true).
		SetClientID(config.ClientId).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(keepAlive).
		SetOrderMatters(false).
		SetResumeSubs(true).SetCleanSession(false).
		SetStore(mqtt.NewMemoryStore()).
		SetConnectRetryInterval(retryInterval).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler).
		SetConnectRetry(true)
	self.m = mqtt.NewClient(self.mopt)
	// with ConnectRetry, token completes on first successful connection
	token := self.m.Connect()
	if token.Error() != nil {
		self.log.Errorf("mqtt connect broker=%s err=%v", config.MqttBroker, token.Error())
	}
	return nil
}

func (self *transportMqtt) Close() {
	if self.m == nil {
		return
	}
	if self.m.IsConnected() {
		if token := self.m.Unsubscribe(self.topicCommand); token.WaitTimeout(self.publishTimeout) && token.Error() != nil {
			self.log.Errorf("mqtt unsubscribe err=%v", token.Error())
		}
		self.m.Publish(self.topicConnect, 1, true, []byte{0x00}).WaitTimeout(self.publishTimeout)
	}
	self.m.Disconnect(250)
}

func (self *transportMqtt) SendTelemetry(topicSuffix string, payload []byte) bool {
	return self.publish(fmt.Sprintf("%s/t/%s", self.topicPrefix, topicSuffix), payload)
}

func (self *transportMqtt) SendCommandResponse(payload []byte) bool {
	return self.publish(self.topicResponse, payload)
}

func (self *transportMqtt) publish(topic string, payload []byte) bool {
	token := self.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(self.publishTimeout) {
		self.log.Debugf("mqtt publish topic=%s timeout", topic)
		return false
	}
	if err := token.Error(); err != nil {
		self.log.Debugf("mqtt publish topic=%s err=%v", topic, err)
		return false
	}
	return true
}

func (self *transportMqtt) messageHandler(c mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	self.log.Debugf("mqtt income topic=%s payload=%q", msg.Topic(), payload)
	self.onCommand(payload)
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mqtt disconnect err=%v", err)
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connect")
	if token := c.Subscribe(self.topicCommand, 1, nil); token.Wait() && token.Error() != nil {
		self.log.Errorf("mqtt subscribe topic=%s err=%v", self.topicCommand, token.Error())
	} else {
		c.Publish(self.topicConnect, 1, true, []byte{0x01})
	}
}
