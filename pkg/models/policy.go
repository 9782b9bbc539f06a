package models

// Setting keys persisted in the config table.
const (
	KeySimilarityThreshold = "similarity_threshold"
	KeyCacheEnabled        = "cache_enabled"
	KeyMaxCacheEntries     = "max_cache_entries"
)

// Policy defaults used when a key is missing or malformed.
const (
	DefaultSimilarityThreshold = 0.85
	DefaultCacheEnabled        = true
	DefaultMaxCacheEntries     = 5000
)

// CachePolicy is an immutable snapshot of the tunable cache behaviour.
type CachePolicy struct {
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	Enabled             bool    `json:"cache_enabled" yaml:"cache_enabled"`
	MaxEntries          int     `json:"max_cache_entries" yaml:"max_cache_entries"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() CachePolicy {
	return CachePolicy{
		SimilarityThreshold: DefaultSimilarityThreshold,
		Enabled:             DefaultCacheEnabled,
		MaxEntries:          DefaultMaxCacheEntries,
	}
}
