package blobstore

import (
	"time"

	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/config"
	"github.com/cqkv/blobstore/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type options struct {
	cfg config.StoreConfig

	logger     *zap.Logger
	codec      codec.Codec
	policy     CompactionPolicy
	registerer prometheus.Registerer
	clock      func() time.Time
	readProbe  func(model.Location)
}

type Option func(*options)

func defaultOptions() options {
	return options{
		cfg:    config.Default(),
		logger: zap.NewNop(),
		codec:  codec.NewCodecImpl(),
		clock:  time.Now,
	}
}

// WithConfig replaces every tunable.
func WithConfig(cfg config.StoreConfig) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithSegmentSize(size int64) Option {
	return func(o *options) {
		o.cfg.SegmentSizeInBytes = size
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithCodec(codec codec.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithCompactionPolicy overrides the policy named in the config.
func WithCompactionPolicy(policy CompactionPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithRegisterer registers the store metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithReadProbe observes every read that reaches a segment file.
func WithReadProbe(probe func(model.Location)) Option {
	return func(o *options) {
		o.readProbe = probe
	}
}

type writeOptions struct {
	expiresAt time.Time
}

type WriteOption func(*writeOptions)

// WithExpiration makes the record unreadable from t on.
func WithExpiration(t time.Time) WriteOption {
	return func(o *writeOptions) {
		o.expiresAt = t
	}
}

func expiresAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
