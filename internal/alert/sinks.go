package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/messaging"
)

// Sink delivers an alert somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log logging.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, a Alert) error {
	log := s.Log
	if log == nil {
		log = logging.Noop()
	}
	fields := []logging.Field{
		logging.String("alert_id", a.ID),
		logging.String("kind", string(a.Kind)),
		logging.String("severity", a.Severity.String()),
		logging.String("tank_id", a.TankID),
	}
	if a.PlanID != "" {
		fields = append(fields, logging.String("plan_id", a.PlanID))
	}
	log.Warn(ctx, a.Message, fields...)
	return nil
}

// DefaultSubjectPrefix is suffixed with the severity, e.g.
// water.alerts.emergency.
const DefaultSubjectPrefix = "water.alerts"

// BusSink publishes alerts on NATS.
type BusSink struct {
	Bus    messaging.Bus
	Prefix string
}

func (BusSink) Name() string { return "nats" }

func (s BusSink) Send(ctx context.Context, a Alert) error {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return s.Bus.Publish(ctx, prefix+"."+a.Severity.String(), a.ToWire())
}

// RedisCmdable is the part of the go-redis client the sink uses.
type RedisCmdable interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig addresses the Redis alert list and channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	ListKey  string `yaml:"list_key"`
	Channel  string `yaml:"channel"`
	MaxLen   int64  `yaml:"max_len"`
}

// ApplyDefaults fills zero values.
func (c *RedisConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.ListKey == "" {
		c.ListKey = "overflow:alerts"
	}
	if c.Channel == "" {
		c.Channel = "overflow:alerts"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 1000
	}
}

// RedisSink keeps a capped list of recent alerts and publishes each one.
type RedisSink struct {
	client RedisCmdable
	cfg    RedisConfig
}

// NewRedisClient opens a go-redis client for cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	cfg.ApplyDefaults()
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisSink wraps client.
func NewRedisSink(client RedisCmdable, cfg RedisConfig) *RedisSink {
	cfg.ApplyDefaults()
	return &RedisSink{client: client, cfg: cfg}
}

func (*RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a.ToWire())
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.LPush(ctx, s.cfg.ListKey, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", s.cfg.ListKey, err)
	}
	if err := s.client.LTrim(ctx, s.cfg.ListKey, 0, s.cfg.MaxLen-1).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", s.cfg.ListKey, err)
	}
	if err := s.client.Publish(ctx, s.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.cfg.Channel, err)
	}
	return nil
}

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (Fanout) Name() string { return "fanout" }

func (f Fanout) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
