package realtime

import (
	"sort"
	"time"

	"FlowScope/internal/model"
)

// minuteBucket is one minute of upload/download totals in the time-window
// ledger.
type minuteBucket struct {
	upload      int64
	download    int64
	lastUpdated time.Time
}

// recordMinute adds traffic to the current minute bucket and prunes buckets
// older than the retention window. Pruning piggybacks on writes, so the
// ledger needs no background sweeper; it only walks the map once it has
// outgrown the retention horizon or its oldest bucket has fallen past it.
// The second condition matters for sparse backends, whose maps never
// outgrow the horizon by count alone.
func (b *backendState) recordMinute(ts time.Time, upload, download int64, retention time.Duration) {
	key := model.MinuteKey(ts)
	mb, ok := b.minutes[key]
	if !ok {
		mb = &minuteBucket{}
		b.minutes[key] = mb
	}
	mb.upload += upload
	mb.download += download
	mb.lastUpdated = ts

	if b.minutesOldest == "" || key < b.minutesOldest {
		b.minutesOldest = key
	}

	cutoff := model.MinuteKey(ts.Add(-retention))
	if len(b.minutes) > int(retention/time.Minute) || b.minutesOldest < cutoff {
		oldest := ""
		for k := range b.minutes {
			if k < cutoff {
				delete(b.minutes, k)
				continue
			}
			if oldest == "" || k < oldest {
				oldest = k
			}
		}
		b.minutesOldest = oldest
	}
}

// MergeTrend re-buckets the hot minute ledger into the caller's granularity
// and additively merges it into the cold base series. Buckets present only
// in hot data are inserted; the result is sorted by timestamp key, which for
// these keys is chronological order.
func (s *Store) MergeTrend(backendID string, base []model.TrendPoint, minutes, bucketMinutes int) []model.TrendPoint {
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}

	b, ok := s.peek(backendID)
	if !ok {
		return base
	}

	cutoff := ""
	if minutes > 0 {
		cutoff = model.MinuteKey(time.Now().Add(-time.Duration(minutes) * time.Minute))
	}

	b.mu.Lock()
	hot := make(map[string]*minuteBucket, len(b.minutes))
	for k, mb := range b.minutes {
		if cutoff != "" && k < cutoff {
			continue
		}
		bucketKey := rebucketKey(k, bucketMinutes)
		agg, ok := hot[bucketKey]
		if !ok {
			agg = &minuteBucket{}
			hot[bucketKey] = agg
		}
		agg.upload += mb.upload
		agg.download += mb.download
	}
	b.mu.Unlock()

	if len(hot) == 0 {
		return base
	}

	merged := make([]model.TrendPoint, len(base))
	copy(merged, base)
	index := make(map[string]int, len(merged))
	for i, p := range merged {
		index[p.Timestamp] = i
	}

	for key, agg := range hot {
		if i, ok := index[key]; ok {
			merged[i].Upload += agg.upload
			merged[i].Download += agg.download
		} else {
			merged = append(merged, model.TrendPoint{
				Timestamp: key,
				Upload:    agg.upload,
				Download:  agg.download,
			})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// rebucketKey floors a minute key's minute field to the nearest multiple of
// bucketMinutes.
func rebucketKey(minuteKey string, bucketMinutes int) string {
	if bucketMinutes <= 1 {
		return minuteKey
	}
	t, err := time.Parse("2006-01-02T15:04:05", minuteKey)
	if err != nil {
		return minuteKey
	}
	floored := t.Truncate(time.Duration(bucketMinutes) * time.Minute)
	return model.MinuteKey(floored)
}
