package ingest

import (
	"encoding/json"
	"log"

	"FlowScope/internal/config"
	"FlowScope/internal/model"

	"github.com/nats-io/nats.go"
)

// Publisher is responsible for publishing traffic events to a NATS subject.
// Events for backend X go to "<prefix>.X", policy snapshots to
// "<prefix-root>.policies.X".
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher connects to NATS and returns a publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// Publish serializes a TrafficEvent to JSON and publishes it for backendID.
func (p *Publisher) Publish(backendID string, ev model.TrafficEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.prefix+"."+backendID, data)
}

// PublishPolicies publishes a policy "now" snapshot for backendID. The map
// is group name to currently selected member.
func (p *Publisher) PublishPolicies(backendID string, policies map[string]string) error {
	data, err := json.Marshal(policies)
	if err != nil {
		return err
	}
	return p.nc.Publish(policySubject(p.prefix)+"."+backendID, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
