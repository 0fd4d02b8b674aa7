package registration

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes run summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	published     int
	mu            sync.Mutex
}

// NewPublisher creates a new result publisher. The prefix comes from
// MQTT_PUBLISH_PREFIX, then prefix, then "meshreg".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "meshreg"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishRun publishes a run to <prefix>/results/<id> and <prefix>/latest
func (p *Publisher) PublishRun(run *RunRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(run.Summary())
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range []string{
		fmt.Sprintf("%s/results/%s", p.publishPrefix, run.ID),
		fmt.Sprintf("%s/latest", p.publishPrefix),
	} {
		token := p.client.Publish(topic, p.qos, p.retain, payload)
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			return fmt.Errorf("publishing to %s: %w", topic, token.Error())
		}
	}
	p.published++

	log.Printf("Published %s run %s: fitness=%.4f rmse=%.4f",
		run.Mode, run.ID, run.Result.Fitness, run.Result.InlierRMSE)
	return nil
}

// Published returns the number of runs published so far.
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
