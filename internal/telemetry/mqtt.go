package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttTimeout       = 5 * time.Second
	mqttRetryInterval = 10 * time.Second
)

// MQTT publishes each record's document to <prefix>/<kind>/<name>.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
}

func NewMQTT(client mqtt.Client, prefix string, qos byte) *MQTT {
	return &MQTT{client: client, prefix: prefix, qos: qos}
}

var dialMQTTFn = dialMQTT

// dialMQTT starts connecting and returns at once. With ConnectRetry the
// client keeps trying in the background; publishes made before the broker is
// reachable wait inside the Async worker, bounded by the write timeout.
func dialMQTT(broker, clientID string) (mqtt.Client, error) {
	if broker == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is empty")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(mqttRetryInterval).
		SetConnectTimeout(mqttTimeout)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			log.Printf("telemetry: mqtt connect %s: %v", broker, err)
		}
	}()
	return c, nil
}

func (m *MQTT) Topic(r Record) string {
	return fmt.Sprintf("%s/%s/%s", m.prefix, r.Kind, r.Name)
}

func (m *MQTT) Write(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.Topic(r), m.qos, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("telemetry: mqtt publish %s: %w", m.Topic(r), err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
