package picamera

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rpicam-alpaca/pkg/alpaca"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

type EventType string

const (
	EventExposureStarted  EventType = "exposure_started"
	EventExposureComplete EventType = "exposure_complete"
	EventExposureAborted  EventType = "exposure_aborted"
)

// Event describes a change in the exposure life cycle.
type Event struct {
	Type     EventType `json:"type"`
	Device   int       `json:"device"`
	Time     time.Time `json:"time"`
	Duration float64   `json:"duration"`
	Gain     int       `json:"gain"`
	Binning  int       `json:"binning"`
}

// EventPublisher receives exposure events. Publish is called without any
// driver lock held and must not block for long.
type EventPublisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// createMQTTClient initializes and returns a new MQTT client connected to the
// broker in cfg.
func createMQTTClient(cfg alpaca.MQTTConfig, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Host)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return mqttClient, nil
}

// MQTTPublisher publishes events as JSON to <topic root>/camera/<n>/events.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger log.FieldLogger
}

func NewMQTTPublisher(cfg alpaca.MQTTConfig, number int, logger log.FieldLogger) (*MQTTPublisher, error) {
	client, err := createMQTTClient(cfg, fmt.Sprintf("rpicam-alpaca-%d", number))
	if err != nil {
		return nil, err
	}
	return newMQTTPublisher(client, cfg.TopicRoot, number, logger), nil
}

func newMQTTPublisher(client mqtt.Client, topicRoot string, number int, logger log.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  eventTopic(topicRoot, number),
		logger: logger,
	}
}

func eventTopic(topicRoot string, number int) string {
	return fmt.Sprintf("%s/camera/%d/events", strings.TrimRight(topicRoot, "/"), number)
}

func (p *MQTTPublisher) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorf("Cannot encode event: %v", err)
		return
	}

	token := p.client.Publish(p.topic, 1, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Warnf("Failed to publish %s: %v", ev.Type, token.Error())
		}
	}()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
