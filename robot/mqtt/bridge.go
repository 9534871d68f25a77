// Package mqtt bridges the robot to an MQTT broker. Command names published on
// <prefix>/command are submitted to the robot, and the robot's status is published, retained,
// on <prefix>/status whenever it changes.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.smars.dev/robot/config"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/services/avoidance"
)

const (
	qosCommand = 1
	qosStatus  = 0

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// The Robot is what the bridge drives.
type Robot interface {
	Name() string
	Submit(cmd command.Command) bool
	Status() avoidance.Status
}

// A Bridge connects one robot to a broker.
type Bridge struct {
	robot    Robot
	client   paho.Client
	prefix   string
	interval time.Duration
	logger   logging.Logger

	mu   sync.Mutex
	last []byte

	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// ClientID returns the configured client id, or a fresh unique one.
func ClientID(conf config.MQTTConfig) string {
	if conf.ClientID != "" {
		return conf.ClientID
	}
	return "smars-" + uuid.NewString()[:8]
}

// New builds a bridge for r. Nothing connects until Start.
func New(r Robot, conf config.MQTTConfig, logger logging.Logger) *Bridge {
	b := newWithClient(r, nil, conf, logger)
	opts := paho.NewClientOptions().
		AddBroker(conf.Broker).
		SetClientID(ClientID(conf)).
		SetUsername(conf.Username).
		SetPassword(conf.Password).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true).
		SetWill(b.topic("online"), "false", qosCommand, true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.logger.Warnw("lost connection to broker, reconnecting", "error", err)
	})
	b.client = paho.NewClient(opts)
	return b
}

func newWithClient(r Robot, client paho.Client, conf config.MQTTConfig, logger logging.Logger) *Bridge {
	interval := conf.StatusInterval()
	if interval <= 0 {
		interval = time.Duration(config.DefaultStatusIntervalMs) * time.Millisecond
	}
	return &Bridge{
		robot:    r,
		client:   client,
		prefix:   strings.TrimSuffix(conf.Prefix, "/"),
		interval: interval,
		logger:   logger,
	}
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

// Start connects to the broker and starts publishing status. A broker that is down is retried
// in the background.
func (b *Bridge) Start(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.logger.Warn("broker not reachable yet, will keep retrying")
	} else if err := token.Error(); err != nil {
		return errors.Wrap(err, "cannot connect to MQTT broker")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for utils.SelectContextOrWait(cancelCtx, b.interval) {
			b.publishStatus()
		}
	}, b.activeBackgroundWorkers.Done)
	return nil
}

func (b *Bridge) onConnect(client paho.Client) {
	b.logger.Infow("connected to broker", "prefix", b.prefix)
	topic := b.topic("command")
	if token := client.Subscribe(topic, qosCommand, b.handleCommand); token.Wait() && token.Error() != nil {
		b.logger.Errorw("cannot subscribe", "topic", topic, "error", token.Error())
	}
	client.Publish(b.topic("online"), qosCommand, true, "true")
	b.mu.Lock()
	b.last = nil
	b.mu.Unlock()
	b.publishStatus()
}

type commandMessage struct {
	Command string `json:"command"`
}

// handleCommand accepts a bare command name or {"command": "name"}.
func (b *Bridge) handleCommand(_ paho.Client, msg paho.Message) {
	payload := strings.TrimSpace(string(msg.Payload()))
	name := payload
	if strings.HasPrefix(payload, "{") {
		var cm commandMessage
		if err := json.Unmarshal(msg.Payload(), &cm); err != nil {
			b.logger.Warnw("cannot decode command message", "topic", msg.Topic(), "error", err)
			return
		}
		name = cm.Command
	}
	cmd, ok := command.Parse(name)
	if !ok {
		b.logger.Warnw("unknown command", "command", name, "topic", msg.Topic())
		return
	}
	b.robot.Submit(cmd)
	b.logger.Debugw("command received", "command", cmd.String())
}

// publishStatus publishes the status if it differs from the last one published.
func (b *Bridge) publishStatus() {
	if !b.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(b.robot.Status().Report(b.robot.Name()))
	if err != nil {
		b.logger.Errorw("cannot encode status", "error", err)
		return
	}
	b.mu.Lock()
	if string(payload) == string(b.last) {
		b.mu.Unlock()
		return
	}
	b.last = payload
	b.mu.Unlock()

	token := b.client.Publish(b.topic("status"), qosStatus, true, payload)
	if token.Wait() && token.Error() != nil {
		b.logger.Warnw("cannot publish status", "error", token.Error())
	}
}

// Close stops publishing, marks the robot offline and disconnects.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.activeBackgroundWorkers.Wait()
	if b.client.IsConnected() {
		b.client.Publish(b.topic("online"), qosCommand, true, "false").WaitTimeout(time.Second)
		b.client.Disconnect(disconnectQuiesce)
	}
	b.logger.Info("MQTT bridge closed")
}
