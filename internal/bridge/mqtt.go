package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/proto"
)

const (
	brokerConnectRetry = 5 * time.Second
	brokerDisconnectMs = 250
)

// command is a parsed send request from the broker's command topic tree.
type command struct {
	direct  bool
	dest    uint32 // node number when direct
	channel uint32 // channel index otherwise
}

// parseCommandTopic maps "{root}/to/channel/{n}" and "{root}/to/{!hex}"
// topics onto send commands. Channel 0 is reserved for the primary
// channel and rejected here at the boundary.
func parseCommandTopic(root, topic string) (command, error) {
	prefix := root + "/to/"
	suffix, ok := strings.CutPrefix(topic, prefix)
	if !ok || suffix == "" {
		return command{}, fmt.Errorf("bridge: topic %q is not under %q", topic, prefix)
	}
	if rest, found := strings.CutPrefix(suffix, "channel/"); found {
		n, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return command{}, fmt.Errorf("bridge: bad channel in topic %q: %w", topic, err)
		}
		if n < 1 || n > 7 {
			return command{}, fmt.Errorf("bridge: channel %d out of range 1-7", n)
		}
		return command{channel: uint32(n)}, nil
	}
	num, err := proto.ParseNodeID(suffix)
	if err != nil {
		return command{}, fmt.Errorf("bridge: topic %q names neither a channel nor a node", topic)
	}
	return command{direct: true, dest: num}, nil
}

// mqttManager owns the broker session: the command subscription on
// {root}/to/# and outbound JSON publishing under {root}/from/json/.
type mqttManager struct {
	log       *zap.Logger
	cfg       config.MQTTConfig
	client    mqtt.Client
	onCommand func(cmd command, body string)
}

func newMQTTManager(cfg config.MQTTConfig, log *zap.Logger, onCommand func(command, string)) *mqttManager {
	m := &mqttManager{log: log, cfg: cfg, onCommand: onCommand}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshcourier_%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(brokerConnectRetry)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("lost broker connection", zap.Error(err))
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect starts the broker session. With connect-retry enabled the
// client keeps dialling in the background, so an unreachable broker is
// not fatal; publishes are skipped until the session is up.
func (m *mqttManager) Connect() {
	m.log.Info("connecting to MQTT broker", zap.String("broker", m.cfg.Broker))
	m.client.Connect()
}

func (m *mqttManager) onConnect(client mqtt.Client) {
	m.log.Info("connected to MQTT broker", zap.String("broker", m.cfg.Broker))
	topic := m.cfg.TopicRoot + "/to/#"
	if token := client.Subscribe(topic, byte(m.cfg.QoS), m.handleCommand); token.Wait() && token.Error() != nil {
		m.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	m.log.Info("subscribed to command topics", zap.String("topic", topic))
}

func (m *mqttManager) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := parseCommandTopic(m.cfg.TopicRoot, msg.Topic())
	if err != nil {
		m.log.Warn("ignoring command", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	body := strings.TrimSpace(string(msg.Payload()))
	if body == "" {
		m.log.Warn("ignoring empty command payload", zap.String("topic", msg.Topic()))
		return
	}
	m.onCommand(cmd, body)
}

// PublishJSON marshals v and publishes it to {root}/from/json/{kind}.
func (m *mqttManager) PublishJSON(kind string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s event: %w", kind, err)
	}
	topic := fmt.Sprintf("%s/from/json/%s", m.cfg.TopicRoot, kind)
	token := m.client.Publish(topic, byte(m.cfg.QoS), false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("bridge: publish %s: %w", topic, token.Error())
	}
	return nil
}

// Connected reports whether the broker session is currently usable.
func (m *mqttManager) Connected() bool {
	return m.client.IsConnectionOpen()
}

func (m *mqttManager) Close() {
	m.client.Disconnect(brokerDisconnectMs)
}
