// Package messaging wraps the NATS connection shared by the telemetry,
// perception, forecast and alert transports.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/overflow-control/internal/logging"
)

// ErrNoResponder is returned by Request when nobody serves the subject.
var ErrNoResponder = errors.New("no responder for subject")

// Handler receives the raw payload of a message.
type Handler func(subject string, data []byte)

// Responder answers a request; the returned bytes are the reply payload.
type Responder func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the subset of messaging the control plane uses.
type Bus interface {
	Publish(ctx context.Context, subject string, v any) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Request(ctx context.Context, subject string, v any) ([]byte, error)
	Respond(subject string, r Responder) (Subscription, error)
}

// Config holds NATS configuration.
type Config struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "overflowd"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  logging.Logger

	reconnects atomic.Int64
	connected  atomic.Bool
}

// NewClient connects to NATS.
func NewClient(cfg Config, log logging.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	c := &Client{log: log}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnects.Add(1)
			c.connected.Store(true)
			c.log.Info(context.Background(), "nats reconnected", logging.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.connected.Store(false)
			c.log.Warn(context.Background(), "nats disconnected", logging.Err(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.conn = conn
	c.connected.Store(true)
	return c, nil
}

// Publish marshals v as JSON and publishes it.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h for subject.
func (c *Client) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Request performs a request-reply bounded by ctx.
func (c *Client) Request(ctx context.Context, subject string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s: %w", subject, ErrNoResponder)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Respond serves requests on subject with r. Responder errors are logged and
// the request is left unanswered so the caller times out.
func (c *Client) Respond(subject string, r Responder) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		out, err := r(context.Background(), msg.Data)
		if err != nil {
			c.log.Warn(context.Background(), "responder failed", logging.String("subject", subject), logging.Err(err))
			return
		}
		if err := msg.Respond(out); err != nil {
			c.log.Warn(context.Background(), "respond failed", logging.String("subject", subject), logging.Err(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("respond %s: %w", subject, err)
	}
	return sub, nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Reconnects returns how often the client reconnected.
func (c *Client) Reconnects() int64 { return c.reconnects.Load() }

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// MemoryBus is an in-process Bus. Handlers run synchronously on the
// publisher's goroutine.
type MemoryBus struct {
	mu         sync.RWMutex
	nextID     int
	handlers   map[string]map[int]Handler
	responders map[string]Responder
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers:   make(map[string]map[int]Handler),
		responders: make(map[string]Responder),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.PublishRaw(subject, payload)
}

// PublishRaw delivers payload without JSON encoding.
func (b *MemoryBus) PublishRaw(subject string, payload []byte) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[subject]))
	for _, h := range b.handlers[subject] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(subject, payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.handlers[subject][id] = h
	return memorySub(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
	}), nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	b.mu.RLock()
	r, ok := b.responders[subject]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", subject, ErrNoResponder)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := r(ctx, payload)
		done <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("request %s: %w", subject, res.err)
		}
		return res.data, nil
	}
}

func (b *MemoryBus) Respond(subject string, r Responder) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.responders[subject]; exists {
		return nil, fmt.Errorf("responder already registered for %s", subject)
	}
	b.responders[subject] = r
	return memorySub(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.responders, subject)
	}), nil
}

type memorySub func()

func (s memorySub) Unsubscribe() error {
	s()
	return nil
}
