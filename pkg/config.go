package dedupindex

// config.go defines the public configuration surface for Open: a private
// config struct filled in by functional Options, the same shape the teacher
// uses for its cache constructor. Users can only influence behavior through
// Option values, which keeps the struct itself free to grow without
// breaking callers.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/statemachine"
	"github.com/Voskan/dedupindex/internal/unsafehelpers"
)

// OpenMode selects how Open brings an index to a consistent state.
type OpenMode = statemachine.OpenMode

// The three ways Open can bring an index up.
const (
	OpenCreate        = statemachine.OpenCreate
	OpenLoad          = statemachine.OpenLoad
	OpenLoadNoRebuild = statemachine.OpenLoadNoRebuild
)

// Option configures an Index at Open time.
type Option func(*config)

type config struct {
	dir             string
	geo             geometry.Geometry
	mode            OpenMode
	zoneCount       int
	sparseCacheSize int
	recentChapters  int
	registry        *prometheus.Registry
	logger          *zap.Logger
}

func defaultConfig(dir string) *config {
	return &config{
		dir:       dir,
		geo:       geometry.Default(),
		mode:      OpenLoad,
		zoneCount: 1,
		logger:    zap.NewNop(),
	}
}

// WithGeometry overrides the default volume geometry. The geometry is not
// stored with the index: a load uses whatever geometry is configured here,
// and a mismatch with the one the index was created with is not detected.
func WithGeometry(geo geometry.Geometry) Option {
	return func(c *config) { c.geo = geo }
}

// WithMode selects create/load/load-without-rebuild semantics.
func WithMode(mode OpenMode) Option {
	return func(c *config) { c.mode = mode }
}

// WithZoneCount sets how many index zones the master index is sharded
// across. Must match the zone count the index was created with once any
// data has been written; changing it on an existing index is undefined.
func WithZoneCount(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.zoneCount = n
		}
	}
}

// WithSparseCacheSize overrides the per-zone sparse chapter cache capacity.
// Ignored when the geometry is not sparse.
func WithSparseCacheSize(n int) Option {
	return func(c *config) { c.sparseCacheSize = n }
}

// WithRecentChapters overrides the chapter writer's recently-frozen ring
// capacity, in chapters.
func WithRecentChapters(n int) Option {
	return func(c *config) { c.recentChapters = n }
}

// WithLogger plugs an external zap.Logger. The index never logs on the hot
// path; only lifecycle events (load, replay, rebuild, save) are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection against reg. Passing nil
// disables metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

var errEmptyDir = errors.New("dedupindex: directory must not be empty")

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.dir == "" {
		return errEmptyDir
	}
	if !unsafehelpers.IsPowerOfTwo(uint(cfg.zoneCount)) {
		return errors.New("dedupindex: zone count must be a power of two")
	}
	return cfg.geo.Validate()
}
