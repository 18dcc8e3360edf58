package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FlowScope/internal/config"
	"FlowScope/internal/ingest"
	"FlowScope/internal/model"
)

// connection mirrors one entry of the proxy admin API's /connections
// response.
type connection struct {
	ID       string `json:"id"`
	Metadata struct {
		Host          string `json:"host"`
		DestinationIP string `json:"destinationIP"`
		SourceIP      string `json:"sourceIP"`
	} `json:"metadata"`
	Chains      []string `json:"chains"`
	Rule        string   `json:"rule"`
	RulePayload string   `json:"rulePayload"`
	Upload      int64    `json:"upload"`
	Download    int64    `json:"download"`
}

type connectionsResponse struct {
	Connections []connection `json:"connections"`
}

type proxiesResponse struct {
	Proxies map[string]struct {
		Now string `json:"now"`
	} `json:"proxies"`
}

type byteCounts struct {
	upload   int64
	download int64
}

// poller polls the proxy backend's admin API and publishes the per-poll
// byte deltas as traffic events. A connection's counters are cumulative, so
// the delta between polls is what gets published; a connection that
// disappears between polls is simply forgotten, its already-published
// deltas stand.
type poller struct {
	client    *http.Client
	pub       *ingest.Publisher
	backendID string
	apiURL    string
	apiSecret string

	seen map[string]byteCounts
}

func (p *poller) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+path, nil)
	if err != nil {
		return err
	}
	if p.apiSecret != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiSecret)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pollConnections computes and publishes per-connection deltas.
func (p *poller) pollConnections(ctx context.Context) error {
	var snapshot connectionsResponse
	if err := p.fetch(ctx, "/connections", &snapshot); err != nil {
		return err
	}

	now := time.Now().UTC()
	next := make(map[string]byteCounts, len(snapshot.Connections))
	published := 0

	for _, conn := range snapshot.Connections {
		prev := p.seen[conn.ID]
		next[conn.ID] = byteCounts{upload: conn.Upload, download: conn.Download}

		up := conn.Upload - prev.upload
		down := conn.Download - prev.download
		if up < 0 || down < 0 {
			// Counter went backwards: the backend restarted and reused
			// the id. Treat the whole count as new traffic.
			up, down = conn.Upload, conn.Download
		}
		if up == 0 && down == 0 {
			continue
		}

		ev := model.TrafficEvent{
			Domain:      conn.Metadata.Host,
			IP:          conn.Metadata.DestinationIP,
			SourceIP:    conn.Metadata.SourceIP,
			Chains:      conn.Chains,
			Rule:        conn.Rule,
			RulePayload: conn.RulePayload,
			Upload:      up,
			Download:    down,
			Timestamp:   now,
		}
		if err := p.pub.Publish(p.backendID, ev); err != nil {
			log.Printf("Probe: failed to publish event: %v", err)
			continue
		}
		published++
	}

	p.seen = next
	if published > 0 {
		log.Printf("Probe: published %d events from %d connections", published, len(snapshot.Connections))
	}
	return nil
}

// pollPolicies publishes the selector groups' current choices.
func (p *poller) pollPolicies(ctx context.Context) error {
	var resp proxiesResponse
	if err := p.fetch(ctx, "/proxies", &resp); err != nil {
		return err
	}

	policies := make(map[string]string, len(resp.Proxies))
	for name, proxy := range resp.Proxies {
		if proxy.Now != "" {
			policies[name] = proxy.Now
		}
	}
	if len(policies) == 0 {
		return nil
	}
	return p.pub.PublishPolicies(p.backendID, policies)
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Probe.BackendID == "" || cfg.Probe.APIURL == "" {
		log.Fatalf("probe.backend_id and probe.api_url must be configured")
	}
	interval, err := time.ParseDuration(cfg.Probe.PollInterval)
	if err != nil {
		log.Fatalf("Invalid duration for probe.poll_interval: %q", cfg.Probe.PollInterval)
	}

	pub, err := ingest.NewPublisher(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)
	}
	defer pub.Close()

	p := &poller{
		client:    &http.Client{Timeout: interval},
		pub:       pub,
		backendID: cfg.Probe.BackendID,
		apiURL:    cfg.Probe.APIURL,
		apiSecret: cfg.Probe.APISecret,
		seen:      make(map[string]byteCounts),
	}

	log.Printf("Probe polling %s every %s for backend %s", cfg.Probe.APIURL, interval, cfg.Probe.BackendID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The policy map changes rarely; refresh it every tenth poll.
	pollCount := 0
	for {
		select {
		case <-quit:
			log.Println("Probe shutting down.")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := p.pollConnections(ctx); err != nil {
				log.Printf("Probe: connections poll failed: %v", err)
			}
			if pollCount%10 == 0 {
				if err := p.pollPolicies(ctx); err != nil {
					log.Printf("Probe: proxies poll failed: %v", err)
				}
			}
			cancel()
			pollCount++
		}
	}
}
