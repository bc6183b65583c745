package traj

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes evaluation reports to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	reports       map[string]*EvaluationReport
	mu            sync.RWMutex
}

// NewPublisher creates a report publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty result falls back to "trajeval". A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "trajeval"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
		reports:       make(map[string]*EvaluationReport),
	}
}

// PublishReport publishes a report to <prefix>/<stream>/ate and the
// combined list to <prefix>/reports.
func (p *Publisher) PublishReport(r *EvaluationReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	cp := *r
	p.reports[r.StreamID] = &cp
	p.mu.Unlock()

	if err := p.publishIndividual(r); err != nil {
		Logger().Errorw("publishing report failed", "stream", r.StreamID, "error", err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		Logger().Errorw("publishing combined reports failed", "error", err)
		return err
	}
	return nil
}

func (p *Publisher) publishIndividual(r *EvaluationReport) error {
	topic := fmt.Sprintf("%s/%s/ate", p.publishPrefix, r.StreamID)

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	Logger().Infow("published report", "stream", r.StreamID, "run", r.RunID, "rmse", r.Stats.RMSE)
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	reports := make([]*EvaluationReport, 0, len(p.reports))
	for _, r := range p.reports {
		reports = append(reports, r)
	}
	p.mu.RUnlock()

	if len(reports) == 0 {
		return nil
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StreamID < reports[j].StreamID })

	topic := fmt.Sprintf("%s/reports", p.publishPrefix)
	message := map[string]interface{}{
		"reports":   reports,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined reports: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetReport returns the last published report of a stream.
func (p *Publisher) GetReport(streamID string) (*EvaluationReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reports[streamID]
	return r, ok
}

// ClearReport forgets a stream's last report.
func (p *Publisher) ClearReport(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reports, streamID)
}

// SetQoS sets the publish QoS level (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
