// Package ingest bridges MQTT-attached devices into the upload path.
// Field hardware publishes its operating profile to
// <prefix>/<serial>/profile; the bridge funnels each payload through the
// same cycle store rules as the HTTP surface, so window-closed semantics
// are identical on both paths.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/metrics"
)

// Bridge subscribes to the device profile topic tree and writes each
// submission into the ephemeral cycle store.
type Bridge struct {
	client mqtt.Client
	store  *cycle.Store
	clock  *cycle.Clock
	prefix string
	log    *slog.Logger
}

// NewBridge prepares an MQTT client for the given broker. Connection
// happens in Start.
func NewBridge(brokerURL, clientID, topicPrefix string, store *cycle.Store, clock *cycle.Clock, logger *slog.Logger) (*Bridge, error) {
	if brokerURL == "" {
		return nil, errors.New("broker url must not be empty")
	}
	if topicPrefix == "" {
		return nil, errors.New("topic prefix must not be empty")
	}

	b := &Bridge{
		store:  store,
		clock:  clock,
		prefix: strings.TrimSuffix(topicPrefix, "/"),
		log:    logger.With(slog.String("component", "mqtt_bridge")),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Start connects and subscribes. Delivery uses QoS 0: a device that
// misses a window simply reports again next cycle.
func (b *Bridge) Start() error {
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	filter := b.prefix + "/+/profile"
	sub := b.client.Subscribe(filter, 0, b.handleProfile)
	sub.Wait()
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	b.log.Info("mqtt_bridge_started", slog.String("filter", filter))
	return nil
}

// Stop disconnects, allowing in-flight handlers a moment to finish.
func (b *Bridge) Stop() {
	b.client.Disconnect(250)
}

func (b *Bridge) handleProfile(_ mqtt.Client, msg mqtt.Message) {
	deviceKey, ok := deviceKeyFromTopic(b.prefix, msg.Topic())
	if !ok {
		b.log.Warn("mqtt_topic_unrecognized", slog.String("topic", msg.Topic()))
		return
	}

	var sub cycle.Submission
	if err := json.Unmarshal(msg.Payload(), &sub); err != nil {
		metrics.SubmissionRejected("malformed")
		b.log.Warn("mqtt_payload_malformed",
			slog.String("device_key", deviceKey),
			slog.Any("err", err),
		)
		return
	}

	now := time.Now()
	id, err := b.clock.Current(now)
	if err != nil {
		metrics.SubmissionRejected("not_initialized")
		b.log.Warn("mqtt_submission_before_first_cycle", slog.String("device_key", deviceKey))
		return
	}
	if err := b.store.Put(id, deviceKey, sub, now); err != nil {
		if errors.Is(err, cycle.ErrWindowClosed) {
			metrics.SubmissionRejected("window_closed")
			b.log.Info("mqtt_submission_window_closed",
				slog.String("device_key", deviceKey),
				slog.String("cycle", string(id)),
			)
			return
		}
		metrics.SubmissionRejected("invalid")
		b.log.Warn("mqtt_submission_rejected",
			slog.String("device_key", deviceKey),
			slog.Any("err", err),
		)
		return
	}
	metrics.SubmissionAccepted()
	b.log.Info("mqtt_submission_accepted",
		slog.String("device_key", deviceKey),
		slog.String("cycle", string(id)),
	)
}

// deviceKeyFromTopic pulls the serial segment out of
// <prefix>/<serial>/profile.
func deviceKeyFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, "/profile")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}
