package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ideaworks/internal/config"
	"github.com/nugget/ideaworks/internal/events"
)

// connectWait bounds how long Start waits for the first connection.
// autopaho keeps retrying in the background after that.
const connectWait = 10 * time.Second

// sender is the part of the connection manager the forwarder uses.
type sender interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards progress events.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect.
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and waits briefly for the connection.
// A broker that is down is not an error: autopaho keeps retrying while
// ctx lives, and events published meanwhile are dropped.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	avail := availabilityTopic(p.cfg.TopicPrefix)
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Forward publishes events until ch is closed or ctx is done.
func (p *Publisher) Forward(ctx context.Context, ch <-chan events.Event) {
	if p.cm == nil {
		p.logger.Warn("mqtt forward called before start")
		return
	}
	forward(ctx, ch, p.cm, p.cfg.TopicPrefix, p.logger)
}

func forward(ctx context.Context, ch <-chan events.Event, s sender, prefix string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, msg := range messagesFor(prefix, e) {
				if _, err := s.Publish(ctx, msg); err != nil {
					logger.Debug("mqtt publish failed", "topic", msg.Topic, "error", err)
				}
			}
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, s sender, status string) {
	if _, err := s.Publish(ctx, &paho.Publish{
		Topic:   availabilityTopic(p.cfg.TopicPrefix),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// --- Topics and payloads ---

func availabilityTopic(prefix string) string {
	return prefix + "/availability"
}

// runTopic returns <prefix>/runs/<kind>/<entity>/<leaf>.
func runTopic(prefix, kind, entity, leaf string) string {
	return strings.Join([]string{prefix, "runs", segment(kind), segment(entity), leaf}, "/")
}

// segment makes s safe as a single topic level.
func segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// progressMessage is the JSON payload of progress and status topics.
type progressMessage struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// retainedKinds update the retained status topic.
var retainedKinds = map[string]bool{
	events.KindPaused:   true,
	events.KindComplete: true,
	events.KindError:    true,
}

// messagesFor maps one event to its MQTT publishes. Events without an
// agent kind and entity id cannot be routed and yield nothing.
func messagesFor(prefix string, e events.Event) []*paho.Publish {
	kind, _ := e.Data["agent_kind"].(string)
	entity, _ := e.Data["entity_id"].(string)
	if kind == "" || entity == "" {
		return nil
	}
	runID, _ := e.Data["run_id"].(string)

	payload, err := json.Marshal(progressMessage{
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Kind:      e.Kind,
		RunID:     runID,
		Data:      e.Data,
	})
	if err != nil {
		return nil
	}

	msgs := []*paho.Publish{{
		Topic:   runTopic(prefix, kind, entity, "progress"),
		Payload: payload,
		QoS:     0,
	}}
	if retainedKinds[e.Kind] {
		msgs = append(msgs, &paho.Publish{
			Topic:   runTopic(prefix, kind, entity, "status"),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	}
	return msgs
}
