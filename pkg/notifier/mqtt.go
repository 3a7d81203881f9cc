package notifier

import (
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	mqttTimeout       = 3 * time.Second
	mqttDisconnectMs  = 2000
	availabilityLevel = "availability"
)

type MqttConfig struct {
	Broker      string `json:"broker" validate:"required"`
	ClientID    string `json:"clientId,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
	QoS         byte   `json:"qos,omitempty" validate:"lte=2"`
}

type MqttPublisher struct {
	client       mqtt.Client
	prefix       string
	qos          byte
	availability string
}

// NewMqttPublisher connects to the broker and announces the station online.
// A retained "offline" will is left behind when the connection drops.
func NewMqttPublisher(cfg MqttConfig, identity string) (*MqttPublisher, error) {
	p := &MqttPublisher{prefix: cfg.TopicPrefix, qos: cfg.QoS}
	p.availability = p.topic([]string{identity, availabilityLevel})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "chargepoint-" + identity
	}
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(p.availability, "offline", 1, true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		klog.V(1).InfoS("MQTT connection lost", "broker", cfg.Broker, "err", err)
	}
	opts.OnConnect = func(c mqtt.Client) {
		klog.V(2).InfoS("MQTT connected", "broker", cfg.Broker)
		c.Publish(p.availability, 1, true, "online")
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, errors.Errorf("connect to mqtt broker %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to mqtt broker %s", cfg.Broker)
	}
	return p, nil
}

func (p *MqttPublisher) topic(subject []string) string {
	t := strings.Join(subject, "/")
	if p.prefix != "" {
		t = strings.TrimSuffix(p.prefix, "/") + "/" + t
	}
	return t
}

func (p *MqttPublisher) Publish(subject []string, payload []byte) error {
	token := p.client.Publish(p.topic(subject), p.qos, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return errors.Errorf("publish to %s timed out", p.topic(subject))
	}
	return token.Error()
}

func (p *MqttPublisher) Close() {
	p.client.Publish(p.availability, 1, true, "offline").WaitTimeout(mqttTimeout)
	p.client.Disconnect(mqttDisconnectMs)
}
