package stabilize

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// Publisher sends progress snapshots and results to MQTT.
// Topics:
//
//	{prefix}/progress/{frameId}  every pass, not retained
//	{prefix}/results/{frameId}   final result, retained
//	{prefix}/results             latest summary of every frame, retained
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	encoding      string
	qos           byte
	retain        bool
	results       map[string]ResultSummary
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, cfg MQTTConfig) *Publisher {
	prefix := cfg.PublishPrefix
	if prefix == "" {
		prefix = "tudolapse"
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		encoding:      encoding,
		qos:           0,
		retain:        true,
		results:       make(map[string]ResultSummary),
	}
}

// Report publishes a progress snapshot; it implements ProgressSink
func (p *Publisher) Report(progress StabilizationProgress) {
	if !p.connected() {
		return
	}
	topic := fmt.Sprintf("%s/progress/%s", p.publishPrefix, progress.FrameID)
	if err := p.publish(topic, false, progress); err != nil {
		log.Printf("[MQTT] Error publishing progress for %s: %v", progress.FrameID, err)
	}
}

// PublishResult publishes the final result and the combined summary
func (p *Publisher) PublishResult(r *StabilizationResult) error {
	p.mu.Lock()
	p.results[r.FrameID] = summarize(r)
	p.mu.Unlock()

	if !p.connected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/results/%s", p.publishPrefix, r.FrameID)
	if err := p.publish(topic, p.retain, r); err != nil {
		log.Printf("[MQTT] Error publishing result for %s: %v", r.FrameID, err)
		return err
	}
	log.Printf("[MQTT] Published result for %s: score=%.2f passes=%d stop=%s",
		r.FrameID, r.FinalScore.Value, r.Passes, r.StopReason)

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] Error publishing combined results: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishCombined() error {
	summaries := p.Summaries()
	if len(summaries) == 0 {
		return nil
	}
	message := map[string]interface{}{
		"frames":    summaries,
		"timestamp": time.Now().Unix(),
	}
	return p.publish(fmt.Sprintf("%s/results", p.publishPrefix), p.retain, message)
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	payload, err := p.Encode(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Encode serializes v in the configured encoding. msgpack payloads carry
// the same field names and landmark envelopes as the JSON form.
func (p *Publisher) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	if p.encoding != EncodingMsgpack {
		return data, nil
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("re-reading payload: %w", err)
	}
	packed, err := msgpack.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("msgpack payload: %w", err)
	}
	return packed, nil
}

// Summaries returns the latest summary per frame, ordered by frame id
func (p *Publisher) Summaries() []ResultSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ResultSummary, 0, len(p.results))
	for _, s := range p.results {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether results are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

func (p *Publisher) connected() bool {
	return p != nil && p.client != nil && p.client.IsConnected()
}

func summarize(r *StabilizationResult) ResultSummary {
	return ResultSummary{
		FrameID:          r.FrameID,
		ReferenceFrameID: r.ReferenceFrameID,
		ContentType:      r.ContentType,
		Mode:             r.Mode,
		FinalScore:       storableScore(r.FinalScore.Value),
		Passes:           r.Passes,
		Failed:           r.Failed,
		StopReason:       r.StopReason,
		UpdatedAt:        time.Now(),
	}
}
