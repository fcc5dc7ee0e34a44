// Package cloud manages the MQTT session with the IoT platform:
// uplink property posts for each sub-device, the retained gateway
// status topic with an offline will, and the downlink service/set
// subscription that carries switch control commands.
package cloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/halink/internal/config"
)

// CommandHandler is invoked for each downlink set command. The handler
// runs on the MQTT router goroutine, so long-running work (HA service
// calls) must not block indefinitely.
type CommandHandler func(ctx context.Context, productKey, deviceName string, cmd SetCommand)

// Session owns the platform MQTT connection.
type Session struct {
	cfg     config.CloudConfig
	handler CommandHandler
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	rootCtx context.Context
}

// NewSession creates a session but does not connect. Call
// [Session.Start] to establish the connection.
func NewSession(cfg config.CloudConfig, handler CommandHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, handler: handler, logger: logger}
}

// clientID returns the configured client identifier or a default
// derived from the username.
func (s *Session) clientID() string {
	if s.cfg.ClientID != "" {
		return s.cfg.ClientID
	}
	return "halink-" + s.cfg.Username
}

// Start connects to the platform broker and returns once the
// connection manager is running. autopaho reconnects in the background
// for the life of ctx; on every (re-)connect the session republishes
// its online status and resubscribes to downlink commands.
func (s *Session) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	statusTopic := GatewayStatusTopic(s.clientID())
	s.rootCtx = ctx

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("connected to platform broker", "broker", s.cfg.BrokerURL())
			s.publishStatus(ctx, cm, "online")
			s.subscribeDownlink(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("platform broker connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handleDownlink(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("platform broker connect: %w", err)
	}
	s.cm = cm

	// Wait briefly for the initial connection. Failure is not fatal:
	// autopaho keeps retrying in the background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("initial broker connection timed out, retrying in background", "error", err)
	}

	return nil
}

// Stop publishes an offline status and disconnects.
func (s *Session) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishStatus(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (s *Session) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return fmt.Errorf("cloud session not started")
	}
	return s.cm.AwaitConnection(ctx)
}

// PublishProperties posts telemetry for one device and returns the
// message ID of the envelope.
func (s *Session) PublishProperties(ctx context.Context, dev config.DeviceConfig, params map[string]any) (string, error) {
	if s.cm == nil {
		return "", fmt.Errorf("cloud session not started")
	}

	post := NewPropertyPost(params)
	payload, err := json.Marshal(post)
	if err != nil {
		return "", fmt.Errorf("marshal property post: %w", err)
	}

	topic := PropertyPostTopic(dev.ProductKey, dev.DeviceName)
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	s.logger.Debug("property post published",
		"device_id", dev.ID, "topic", topic, "message_id", post.ID, "properties", len(params))
	return post.ID, nil
}

// PublishReply acknowledges a downlink command.
func (s *Session) PublishReply(ctx context.Context, productKey, deviceName string, reply SetReply) error {
	if s.cm == nil {
		return fmt.Errorf("cloud session not started")
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal set reply: %w", err)
	}

	topic := ServiceSetReplyTopic(productKey, deviceName)
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	s.logger.Info("command reply published",
		"topic", topic, "command_id", reply.ID, "code", reply.Code)
	return nil
}

// publishStatus posts the retained gateway status.
func (s *Session) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   GatewayStatusTopic(s.clientID()),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("gateway status publish failed", "status", status, "error", err)
	} else {
		s.logger.Info("gateway status published", "status", status)
	}
}

// subscribeDownlink subscribes to the service/set wildcard so commands
// for any configured device reach the handler. Called on every
// (re-)connect because the broker session may not be persistent.
func (s *Session) subscribeDownlink(ctx context.Context, cm *autopaho.ConnectionManager) {
	if s.handler == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: ServiceSetWildcard, QoS: 1},
		},
	}); err != nil {
		s.logger.Error("downlink subscribe failed", "topic", ServiceSetWildcard, "error", err)
		return
	}
	s.logger.Info("subscribed to downlink commands", "topic", ServiceSetWildcard)
}

// handleDownlink parses an inbound service/set message and dispatches
// it to the command handler.
func (s *Session) handleDownlink(topic string, payload []byte) {
	if s.handler == nil {
		return
	}

	productKey, deviceName, err := ParseServiceSetTopic(topic)
	if err != nil {
		s.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}

	var cmd SetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.logger.Warn("malformed downlink command",
			"topic", topic, "error", err)
		return
	}

	s.logger.Info("downlink command received",
		"product_key", productKey, "device_name", deviceName, "command_id", cmd.ID)
	s.handler(s.rootCtx, productKey, deviceName, cmd)
}
