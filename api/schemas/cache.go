package schemas

import "time"

// Payload encodings stored alongside cache entries.
const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

// CacheEntry is one persisted analysis result.
type CacheEntry struct {
	Key            string    `json:"key"`
	Source         string    `json:"source"`
	Payload        []byte    `json:"-"`
	Encoding       string    `json:"encoding"`
	HitCount       int64     `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats summarises cache effectiveness for operators.
type CacheStats struct {
	Hits         int64            `json:"hits"`
	Misses       int64            `json:"misses"`
	HitRate      float64          `json:"hit_rate"`
	TotalEntries int64            `json:"total_entries"`
	BySource     map[string]int64 `json:"by_source"`
	Evictions    int64            `json:"evictions"`
	WriteErrors  int64            `json:"write_errors"`
}
