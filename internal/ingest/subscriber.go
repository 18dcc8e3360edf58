package ingest

import (
	"encoding/json"
	"log"
	"strings"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
	"FlowScope/internal/realtime"

	"github.com/nats-io/nats.go"
)

// Subscriber consumes traffic events and policy snapshots for every backend
// and feeds them into the realtime store. The backend id is carried in the
// subject's last token, not in the payload.
type Subscriber struct {
	nc    *nats.Conn
	subs  []*nats.Subscription
	store *realtime.Store

	prefix string
}

// NewSubscriber connects to NATS and returns a subscriber bound to store.
func NewSubscriber(cfg config.NATSConfig, store *realtime.Store) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{nc: nc, store: store, prefix: cfg.SubjectPrefix}, nil
}

// Start wildcard-subscribes to the event and policy subjects. Malformed
// messages are logged and skipped; they never stop the stream.
func (s *Subscriber) Start() error {
	eventSub, err := s.nc.Subscribe(s.prefix+".*", func(msg *nats.Msg) {
		backendID := subjectTail(msg.Subject)
		if backendID == "" {
			return
		}
		var ev model.TrafficEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("Ingest: dropping malformed event on %s: %v", msg.Subject, err)
			return
		}
		s.store.RecordTraffic(backendID, ev)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, eventSub)

	policySub, err := s.nc.Subscribe(policySubject(s.prefix)+".*", func(msg *nats.Msg) {
		backendID := subjectTail(msg.Subject)
		if backendID == "" {
			return
		}
		var policies map[string]string
		if err := json.Unmarshal(msg.Data, &policies); err != nil {
			log.Printf("Ingest: dropping malformed policy snapshot on %s: %v", msg.Subject, err)
			return
		}
		s.store.SetPolicies(backendID, policies)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, policySub)

	log.Printf("Subscribed to '%s.*' and '%s.*'. Waiting for events...", s.prefix, policySubject(s.prefix))
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}

// policySubject derives the policy-snapshot subject root from the event
// prefix: "flowscope.events" becomes "flowscope.policies".
func policySubject(prefix string) string {
	if i := strings.LastIndex(prefix, "."); i >= 0 {
		return prefix[:i] + ".policies"
	}
	return prefix + ".policies"
}

// subjectTail returns the token after the last '.' of a subject.
func subjectTail(subject string) string {
	if i := strings.LastIndex(subject, "."); i >= 0 {
		return subject[i+1:]
	}
	return ""
}
