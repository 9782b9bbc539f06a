// Package policy holds the live cache policy. The policy is persisted as
// key/value settings and served as an immutable snapshot that is swapped
// atomically on reload.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
)

// ErrInvalidConfigKey is returned by Update for keys the policy does not know.
var ErrInvalidConfigKey = fmt.Errorf("%w: unknown config key", cache.ErrInvalidInput)

// Settings is the key/value persistence the policy is loaded from.
type Settings interface {
	Settings(ctx context.Context) (map[string]string, error)
	PutSettings(ctx context.Context, kv map[string]string) error
}

// Store serves the current CachePolicy.
type Store struct {
	settings Settings
	log      logrus.FieldLogger
	current  atomic.Pointer[models.CachePolicy]
	loaded   atomic.Bool
	group    singleflight.Group

	// writes counts successful PutSettings calls. A load tagged with an
	// older count than the live snapshot is stale and is not swapped in.
	writes  atomic.Uint64
	mu      sync.Mutex
	liveGen uint64
}

// New returns a Store serving DefaultPolicy until the first successful load.
func New(settings Settings, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{settings: settings, log: log.WithField("component", "policy")}
	def := models.DefaultPolicy()
	s.current.Store(&def)
	return s
}

// Current returns the live snapshot. Callers keep using the value they got
// even if a reload swaps in a newer one.
func (s *Store) Current() models.CachePolicy {
	return *s.current.Load()
}

// Degraded reports whether no load has succeeded yet.
func (s *Store) Degraded() bool {
	return !s.loaded.Load()
}

// Load reads the settings and parses them into a policy. Missing or malformed
// keys fall back to their defaults individually.
func (s *Store) Load(ctx context.Context) (models.CachePolicy, error) {
	kv, err := s.settings.Settings(ctx)
	if err != nil {
		return models.CachePolicy{}, fmt.Errorf("load policy: %w", err)
	}
	p, bad := Parse(kv)
	for k, perr := range bad {
		s.log.WithFields(logrus.Fields{"key": k, "value": kv[k], "error": perr}).
			Warn("malformed cache setting, using default")
	}
	return p, nil
}

// Reload loads the settings and swaps the live snapshot. Concurrent calls
// share one load. On failure the previous snapshot stays live.
func (s *Store) Reload(ctx context.Context) error {
	_, err, _ := s.group.Do("reload", func() (any, error) {
		return nil, s.loadAndSwap(ctx)
	})
	return err
}

// loadAndSwap reads the settings and installs them unless a load that saw a
// later write has already been installed.
func (s *Store) loadAndSwap(ctx context.Context) error {
	gen := s.writes.Load()
	p, err := s.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded.Load() && gen < s.liveGen {
		s.log.WithField("generation", gen).Debug("discarding stale cache policy load")
		return nil
	}
	s.liveGen = gen
	s.current.Store(&p)
	s.loaded.Store(true)
	s.log.WithFields(logrus.Fields{
		"similarity_threshold": p.SimilarityThreshold,
		"cache_enabled":        p.Enabled,
		"max_cache_entries":    p.MaxEntries,
	}).Debug("cache policy loaded")
	return nil
}

// Update validates and persists changes as one batch, then loads them. Unknown
// keys or malformed values reject the whole batch before anything is written.
func (s *Store) Update(ctx context.Context, changes map[string]string) error {
	var unknown []string
	normalized := make(map[string]string, len(changes))
	for k, v := range changes {
		parse, ok := parsers[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if err := parse(v, &models.CachePolicy{}); err != nil {
			return fmt.Errorf("%w: %s: %v", cache.ErrInvalidInput, k, err)
		}
		normalized[k] = strings.TrimSpace(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s", ErrInvalidConfigKey, strings.Join(unknown, ", "))
	}
	if len(normalized) == 0 {
		return nil
	}
	if err := s.settings.PutSettings(ctx, normalized); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	s.writes.Add(1)
	// A reload already in flight may have read the settings before this
	// write, so load directly rather than joining it.
	return s.loadAndSwap(ctx)
}

type parser func(v string, p *models.CachePolicy) error

var parsers = map[string]parser{
	models.KeySimilarityThreshold: func(v string, p *models.CachePolicy) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("threshold %v outside [0,1]", f)
		}
		p.SimilarityThreshold = f
		return nil
	},
	models.KeyCacheEnabled: func(v string, p *models.CachePolicy) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		p.Enabled = b
		return nil
	},
	models.KeyMaxCacheEntries: func(v string, p *models.CachePolicy) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("max entries %d must be positive", n)
		}
		p.MaxEntries = n
		return nil
	},
}

// Parse builds a policy from settings. Keys that fail to parse keep their
// default and are reported in the returned map; unknown keys are ignored.
func Parse(kv map[string]string) (models.CachePolicy, map[string]error) {
	p := models.DefaultPolicy()
	var bad map[string]error
	for k, parse := range parsers {
		v, ok := kv[k]
		if !ok {
			continue
		}
		if err := parse(v, &p); err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[k] = err
		}
	}
	return p, bad
}

// Keys lists the recognised setting keys.
func Keys() []string {
	keys := make([]string, 0, len(parsers))
	for k := range parsers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Format renders a policy as settings.
func Format(p models.CachePolicy) map[string]string {
	return map[string]string{
		models.KeySimilarityThreshold: strconv.FormatFloat(p.SimilarityThreshold, 'f', -1, 64),
		models.KeyCacheEnabled:        strconv.FormatBool(p.Enabled),
		models.KeyMaxCacheEntries:     strconv.Itoa(p.MaxEntries),
	}
}
