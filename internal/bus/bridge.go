// Package bus bridges the gateway to an external publish/subscribe
// backbone. One logical link per upstream host; concurrent establishment
// requests for the same host coalesce into a single attempt.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrLinkUnavailable is returned when a link could not be established
	// within the bounded attempt. Transient.
	ErrLinkUnavailable = errors.New("bus link unavailable")
	// ErrBridgeClosed is returned for requests after shutdown.
	ErrBridgeClosed = errors.New("bus bridge closed")
)

// Message is an outbound bus message: opaque bytes plus a producer-assigned
// name.
type Message struct {
	Name    string
	Payload []byte
}

// Delivery is one inbound bus message. Ack must be called exactly once,
// after local handling succeeds; the bus delivers at-least-once.
type Delivery struct {
	Payload []byte
	ack     func() error
}

// Ack confirms local handling of the delivery.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Conn is one established link to a bus host.
type Conn interface {
	Publish(ctx context.Context, msg Message) error
	// Consume returns a channel of inbound deliveries. The channel closes
	// when the link fails; the bridge's consume loop re-establishes it.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// Dialer establishes a link to a host. Selected by configuration.
type Dialer func(ctx context.Context, host string) (Conn, error)

const establishTimeout = 30 * time.Second

// Bridge owns the link registry. At most one establishment is in flight per
// host; all concurrent waiters observe the same outcome.
type Bridge struct {
	dialer Dialer
	log    *zap.Logger

	group      singleflight.Group
	mu         sync.Mutex
	links      map[string]Conn
	closed     bool
	newBackoff func() backoff.BackOff
}

// NewBridge builds a Bridge around the given dialer.
func NewBridge(dialer Dialer, log *zap.Logger) *Bridge {
	return &Bridge{
		dialer: dialer,
		log:    log.With(zap.String("module", "bus")),
		links:  make(map[string]Conn),
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
			)
		},
	}
}

// EnsureLink returns a ready link for host, establishing one if needed.
// Establishment retries with capped exponential backoff within a bounded
// window; a failed attempt leaves nothing registered.
func (b *Bridge) EnsureLink(ctx context.Context, host string) (Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	if conn, ok := b.links[host]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(host, func() (interface{}, error) {
		b.mu.Lock()
		if conn, ok := b.links[host]; ok {
			b.mu.Unlock()
			return conn, nil
		}
		b.mu.Unlock()

		conn, err := b.dial(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return nil, ErrBridgeClosed
		}
		b.links[host] = conn
		b.mu.Unlock()

		b.log.Info("bus link established", zap.String("host", host))
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (b *Bridge) dial(ctx context.Context, host string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, establishTimeout)
	defer cancel()

	policy := backoff.WithContext(b.newBackoff(), ctx)

	var conn Conn
	operation := func() error {
		var err error
		conn, err = b.dialer(ctx, host)
		if err != nil {
			b.log.Warn("bus dial failed, backing off",
				zap.String("host", host), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// Drop unregisters a failed link so the next demand re-establishes it. The
// conn argument guards against dropping a newer link for the same host.
func (b *Bridge) Drop(host string, conn Conn) {
	b.mu.Lock()
	current, ok := b.links[host]
	if ok && current == conn {
		delete(b.links, host)
	}
	b.mu.Unlock()
	if ok && current == conn {
		conn.Close()
		b.log.Warn("bus link dropped", zap.String("host", host))
	}
}

// Close shuts every link down. Subsequent requests fail with ErrBridgeClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	links := b.links
	b.links = make(map[string]Conn)
	b.mu.Unlock()

	var firstErr error
	for host, conn := range links {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing link %s: %w", host, err)
		}
	}
	return firstErr
}

// ConsumeLoop drives the at-least-once consume contract against host: each
// delivery is handled locally, then acknowledged, in order. On link failure
// the subscription restarts against a fresh link. Returns when ctx ends.
func (b *Bridge) ConsumeLoop(ctx context.Context, host string, handler func(context.Context, []byte) error) {
	for ctx.Err() == nil {
		conn, err := b.EnsureLink(ctx, host)
		if err != nil {
			if errors.Is(err, ErrBridgeClosed) {
				return
			}
			continue
		}
		deliveries, err := conn.Consume(ctx)
		if err != nil {
			b.log.Warn("bus consume failed", zap.String("host", host), zap.Error(err))
			b.Drop(host, conn)
			continue
		}
		for d := range deliveries {
			if err := handler(ctx, d.Payload); err != nil {
				b.log.Warn("bus message handler failed, not acknowledged", zap.Error(err))
				continue
			}
			if err := d.Ack(); err != nil {
				b.log.Warn("bus ack failed", zap.Error(err))
			}
		}
		b.Drop(host, conn)
	}
}

// Publisher binds the bridge to one host for fire-and-forget publishing.
type Publisher struct {
	bridge *Bridge
	host   string
	name   string
}

// NewPublisher builds a Publisher whose messages carry the node's producer
// name.
func NewPublisher(bridge *Bridge, host, nodeName string) *Publisher {
	return &Publisher{bridge: bridge, host: host, name: nodeName}
}

// Publish hands payload to the bus in one bounded attempt. On failure the
// link is dropped for lazy re-establishment and the error is surfaced; there
// is no indefinite retry.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	conn, err := p.bridge.EnsureLink(ctx, p.host)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, Message{Name: p.name, Payload: payload}); err != nil {
		p.bridge.Drop(p.host, conn)
		return fmt.Errorf("%w: publish: %v", ErrLinkUnavailable, err)
	}
	return nil
}
