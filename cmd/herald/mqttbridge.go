package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/herald-dev/herald/internal/agent"
	"github.com/herald-dev/herald/internal/config"
	"github.com/herald-dev/herald/internal/events"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttHandleTimeout  = 5 * time.Minute
	mqttRateInterval   = time.Minute
)

// mqttCommand is one inbound automation message.
type mqttCommand struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// mqttReply is one outbound message on the reply topic.
type mqttReply struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	Audio       string `json:"audio,omitempty"` // base64
	AudioFormat string `json:"audio_format,omitempty"`
}

// mqttRateLimiter caps inbound messages per interval. Lock-free so the
// broker callback never blocks.
type mqttRateLimiter struct {
	limit   int64
	count   atomic.Int64
	dropped atomic.Int64
}

func newMQTTRateLimiter(perMinute int) *mqttRateLimiter {
	return &mqttRateLimiter{limit: int64(perMinute)}
}

// start resets the window counter every interval and reports drops.
func (r *mqttRateLimiter) start(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(mqttRateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.count.Store(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				logger.Warn("mqtt messages dropped by rate limiter", "dropped", dropped)
			}
		}
	}
}

func (r *mqttRateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// mqttBridge subscribes to a command topic for automation-driven
// requests and publishes replies. It implements agent.Deliverer.
type mqttBridge struct {
	cfg     config.MQTTConfig
	logger  *slog.Logger
	bus     *events.Bus
	limiter *mqttRateLimiter

	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

func newMQTTBridge(cfg config.MQTTConfig, logger *slog.Logger, bus *events.Bus) (*mqttBridge, error) {
	if cfg.CommandTopic == "" || cfg.ReplyTopic == "" {
		return nil, fmt.Errorf("mqtt: command_topic and reply_topic are required")
	}
	return &mqttBridge{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		limiter: newMQTTRateLimiter(cfg.RateLimitPerMinute),
	}, nil
}

// Start connects to the broker and begins handling commands. The
// connection is managed in the background; an unreachable broker is
// logged, not fatal.
func (b *mqttBridge) Start(ctx context.Context, engine *agent.Engine) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt: parse broker url: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.limiter.start(runCtx, b.logger)

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "herald"
	}
	statusTopic := b.cfg.ReplyTopic + "/status"

	cliCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", b.cfg.Broker)
			if _, err := cm.Subscribe(runCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.cfg.CommandTopic, QoS: 1},
				},
			}); err != nil {
				b.logger.Error("mqtt subscribe failed", "topic", b.cfg.CommandTopic, "error", err)
				return
			}
			if _, err := cm.Publish(runCtx, &paho.Publish{
				Topic:   statusTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("mqtt status publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error, will retry", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handlePublish(runCtx, engine, pr.Packet)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cliCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, cliCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt: create connection: %w", err)
	}
	b.cm = cm

	waitCtx, waitCancel := context.WithTimeout(runCtx, mqttConnectTimeout)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		// Keep going; autopaho retries in the background.
		b.logger.Warn("mqtt broker not reachable yet, retrying in background",
			"broker", b.cfg.Broker, "error", err)
	}
	return nil
}

// handlePublish parses one command-topic message and dispatches it to
// the engine.
func (b *mqttBridge) handlePublish(ctx context.Context, engine *agent.Engine, pkt *paho.Publish) {
	b.bus.Publish(events.Event{Source: events.SourceMQTT, Kind: events.KindMessageReceived, Data: map[string]any{
		"topic": pkt.Topic,
	}})

	if !b.limiter.allow() {
		b.bus.Publish(events.Event{Source: events.SourceMQTT, Kind: events.KindRateLimited, Data: map[string]any{
			"topic": pkt.Topic,
		}})
		return
	}

	var cmd mqttCommand
	if err := json.Unmarshal(pkt.Payload, &cmd); err != nil {
		b.logger.Warn("mqtt command not valid JSON", "topic", pkt.Topic, "error", err)
		return
	}
	if cmd.Text == "" {
		b.logger.Warn("mqtt command has no text", "topic", pkt.Topic)
		return
	}
	if cmd.ChatID == "" {
		cmd.ChatID = "mqtt"
	}

	b.logger.Info("mqtt command received", "topic", pkt.Topic, "chat_id", cmd.ChatID)

	go func() {
		ctx, cancel := context.WithTimeout(ctx, mqttHandleTimeout)
		defer cancel()

		if _, err := engine.Handle(ctx, eventFromCommand(cmd)); err != nil {
			b.logger.Error("mqtt request failed", "chat_id", cmd.ChatID, "error", err)
		}
	}()
}

// eventFromCommand maps an automation command onto an engine event.
// Commands are machine-originated, so the sender is marked automated
// and session continuity relies on the caller-supplied session id.
func eventFromCommand(cmd mqttCommand) *agent.Event {
	return &agent.Event{
		Sender: agent.Sender{
			Channel:   "mqtt",
			UserID:    sanitizeID(cmd.UserID),
			ChatID:    cmd.ChatID,
			Automated: true,
		},
		Parts:      []agent.MessagePart{{Kind: agent.PartText, Text: cmd.Text}},
		Recipients: []agent.Recipient{{Channel: "mqtt", ChatID: cmd.ChatID}},
		Metadata:   agent.Metadata{SessionID: cmd.SessionID},
	}
}

// Deliver implements agent.Deliverer by publishing to the reply topic.
func (b *mqttBridge) Deliver(ctx context.Context, out *agent.Outgoing) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt not started")
	}
	reply := mqttReply{
		ChatID:      out.ChatID,
		Text:        out.Text,
		AudioFormat: out.AudioFormat,
	}
	if len(out.Audio) > 0 {
		reply.Audio = base64.StdEncoding.EncodeToString(out.Audio)
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("mqtt: encode reply: %w", err)
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.ReplyTopic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt: publish reply: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *mqttBridge) Close() {
	if b.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.cm.Disconnect(ctx); err != nil {
			b.logger.Debug("mqtt disconnect", "error", err)
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
}
