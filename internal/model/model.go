package model

import "time"

// TrafficEvent holds the per-connection delta reported by a proxy backend.
type TrafficEvent struct {
	Domain      string    `json:"domain"`
	IP          string    `json:"ip"`
	SourceIP    string    `json:"sourceIP"`
	Chains      []string  `json:"chains"` // terminal-first, as the proxy core reports them
	Rule        string    `json:"rule"`
	RulePayload string    `json:"rulePayload"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Timestamp   time.Time `json:"timestamp"`
}

// GeoInfo carries the enrichment attached to a source address by the
// (external) GeoIP collaborator.
type GeoInfo struct {
	Country string `json:"country"`
	ASN     string `json:"asn,omitempty"`
	ISP     string `json:"isp,omitempty"`
}

// StatRow is one aggregated row of a dimension query (domain, IP, chain,
// rule, country or device). Only the sets relevant to the dimension are
// populated; they are sorted for stable output.
type StatRow struct {
	Key         string    `json:"key"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
	Domains     []string  `json:"domains,omitempty"`
	IPs         []string  `json:"ips,omitempty"`
	Rules       []string  `json:"rules,omitempty"`
	Chains      []string  `json:"chains,omitempty"`
}

// TrendPoint is one bucket of a traffic trend series. Timestamp is a UTC
// minute key ("2006-01-02T15:04:00"); lexicographic order on the key is
// chronological order.
type TrendPoint struct {
	Timestamp string `json:"timestamp"`
	Upload    int64  `json:"upload"`
	Download  int64  `json:"download"`
}

// Summary is the backend-level running total.
type Summary struct {
	TotalUpload      int64     `json:"totalUpload"`
	TotalDownload    int64     `json:"totalDownload"`
	TotalConnections int64     `json:"totalConnections"`
	TotalDomains     int       `json:"totalDomains"`
	TotalIPs         int       `json:"totalIPs"`
	TotalRules       int       `json:"totalRules"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// FactRow is the cold-storage row shape: one time bucket of traffic for a
// (domain, ip, source_ip, chain, rule) tuple.
type FactRow struct {
	Bucket      time.Time `json:"bucket"`
	Domain      string    `json:"domain"`
	IP          string    `json:"ip"`
	SourceIP    string    `json:"sourceIP"`
	Chain       string    `json:"chain"`
	Rule        string    `json:"rule"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
}

// RuleChainRow is the historical total for one (rule, chain) pair.
type RuleChainRow struct {
	Rule        string `json:"rule"`
	Chain       string `json:"chain"`
	Upload      int64  `json:"upload"`
	Download    int64  `json:"download"`
	Connections int64  `json:"connections"`
}

// MinuteKey formats t as a UTC minute bucket key.
func MinuteKey(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format("2006-01-02T15:04:05")
}

// TimeRange bounds a query. A zero Start or End leaves that side open; a
// fully zero range means "all time".
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is fully open.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Duration returns End-Start for a bounded range and 0 otherwise.
func (r TimeRange) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Granularity selects which rollup table a query reads.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
)

// Dimension identifies one of the aggregation axes.
type Dimension string

const (
	DimensionDomain   Dimension = "domain"
	DimensionIP       Dimension = "ip"
	DimensionChain    Dimension = "chain"
	DimensionRule     Dimension = "rule"
	DimensionCountry  Dimension = "country"
	DimensionSourceIP Dimension = "source_ip"
)

// SortKey orders dimension query results.
type SortKey string

const (
	SortByDownload    SortKey = "download"
	SortByUpload      SortKey = "upload"
	SortByConnections SortKey = "connections"
	SortByLastSeen    SortKey = "last_seen"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ListOptions are the validated options of a dimension query.
type ListOptions struct {
	Limit  int
	Offset int
	SortBy SortKey
	Search string
}

// Normalize clamps the options into their valid ranges and fills defaults.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	switch o.SortBy {
	case SortByDownload, SortByUpload, SortByConnections, SortByLastSeen:
	default:
		o.SortBy = SortByDownload
	}
	return o
}

// Less compares two rows under the sort key, descending.
func (k SortKey) Less(a, b StatRow) bool {
	switch k {
	case SortByUpload:
		return a.Upload > b.Upload
	case SortByConnections:
		return a.Connections > b.Connections
	case SortByLastSeen:
		return a.LastSeen.After(b.LastSeen)
	default:
		return a.Download > b.Download
	}
}
