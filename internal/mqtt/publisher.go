package mqtt

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

	"github.com/nugget/stepwise/internal/config"
	"github.com/nugget/stepwise/internal/events"
)

// publishClient is the subset of [autopaho.ConnectionManager] the
// publisher needs.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	tally  *Tally

	cm     *autopaho.ConnectionManager
	client publishClient
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and [Publisher.Forward] to stream events.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		tally:  NewTally(),
	}
}

// Start connects to the broker and waits up to 30 seconds for the first
// connection. A slow broker is logged, not fatal: autopaho keeps
// retrying in the background and publishes fail softly until it is up.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	statusTopic := p.statusTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishStatus(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Forward publishes every event received on ch until ch is closed or
// ctx is cancelled.
func (p *Publisher) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, e)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, e events.Event) {
	if p.client == nil {
		return
	}
	p.tally.Observe(e)

	runID := e.RunID()
	if runID == "" {
		runID = "unknown"
	}
	p.publishJSON(ctx, p.eventsTopic(runID), e, 0, false)

	if e.Kind == events.KindRunComplete {
		summary := lastRun{
			RunID:    runID,
			Finished: e.Timestamp,
			Reason:   e.Data["reason"],
			Iters:    e.Data["iterations"],
			Elapsed:  e.Data["elapsed_ms"],
			Tokens:   p.tally.Take(runID),
		}
		p.publishJSON(ctx, p.lastRunTopic(), summary, 1, true)
	}
}

// lastRun is the retained summary published when a run ends.
type lastRun struct {
	RunID    string    `json:"run_id"`
	Finished time.Time `json:"finished"`
	Reason   any       `json:"reason"`
	Iters    any       `json:"iterations"`
	Elapsed  any       `json:"elapsed_ms"`
	Tokens   RunTokens `json:"tokens"`
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any, qos byte, retain bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishStatus(ctx context.Context, cm publishClient, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		p.logger.Debug("mqtt status published", "status", status)
	}
}

// --- Topic helpers ---

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) eventsTopic(runID string) string {
	return p.cfg.TopicPrefix + "/runs/" + runID + "/events"
}

func (p *Publisher) lastRunTopic() string {
	return p.cfg.TopicPrefix + "/last_run"
}
