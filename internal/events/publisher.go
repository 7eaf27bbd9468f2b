// Package events announces workflow runs to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"snapdrop/internal/logging"
	"snapdrop/internal/state"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher sends run events
type Publisher interface {
	Publish(ctx context.Context, run state.Run) error
	Close()
}

// Subject returns <prefix>.<kind>.<status>
func Subject(prefix string, run state.Run) string {
	parts := []string{run.Kind, string(run.Status)}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Flush() error
	Close()
}

// NATSPublisher publishes JSON encoded runs to NATS
type NATSPublisher struct {
	nc     Conn
	prefix string
}

// NewNATSPublisher connects to url and reconnects forever on disconnect
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("snapdrop"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Logger().Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Logger().Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewPublisherWithConn(nc, prefix), nil
}

// NewPublisherWithConn wraps an established connection
func NewPublisherWithConn(nc Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, run state.Run) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	return p.nc.Publish(Subject(p.prefix, run), payload)
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc == nil || p.nc.IsClosed() {
		return
	}
	if err := p.nc.Flush(); err != nil {
		logging.Logger().Warn("Failed to flush NATS events", zap.Error(err))
	}
	p.nc.Close()
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, state.Run) error { return nil }
func (Nop) Close()                                  {}

// NewPublisher returns a NATS publisher when url is set, Nop otherwise. A
// connection failure is logged and events are dropped.
func NewPublisher(url, prefix string) Publisher {
	if url == "" {
		return Nop{}
	}
	p, err := NewNATSPublisher(url, prefix)
	if err != nil {
		logging.Logger().Warn("Failed to connect to NATS, run events disabled",
			zap.String("url", url),
			zap.Error(err))
		return Nop{}
	}
	logging.Logger().Info("Publishing run events to NATS",
		zap.String("url", url),
		zap.String("subject_prefix", prefix))
	return p
}
