// Package pubsub fans typed event messages out to observer connections
// subscribed to named channels, and forwards them to external sinks.
package pubsub

import (
	"context"
	"sort"
	"sync"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// Conn is a live observer connection
type Conn interface {
	ID() string
	Send(ctx context.Context, msg models.Message) error
}

// Sink receives every published event once. Sink failures are logged and
// never remove the sink.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg models.Message) error
}

// Broadcaster keeps a two-way index between connections and the channels they
// subscribe to. A connection whose send fails is removed from every channel.
type Broadcaster struct {
	mu        sync.RWMutex
	conns     map[string]Conn
	connChans map[string]map[string]struct{} // connection ID -> channels
	chanConns map[string]map[string]struct{} // channel -> connection IDs

	sinksMu sync.RWMutex
	sinks   []Sink
}

// New creates an empty broadcaster
func New() *Broadcaster {
	return &Broadcaster{
		conns:     make(map[string]Conn),
		connChans: make(map[string]map[string]struct{}),
		chanConns: make(map[string]map[string]struct{}),
	}
}

// AddSink registers an external sink
func (b *Broadcaster) AddSink(s Sink) {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()

	b.sinks = append(b.sinks, s)
}

// Connect registers a connection with no subscriptions
func (b *Broadcaster) Connect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connectLocked(conn)
}

func (b *Broadcaster) connectLocked(conn Conn) {
	id := conn.ID()
	if _, ok := b.conns[id]; ok {
		return
	}
	b.conns[id] = conn
	b.connChans[id] = make(map[string]struct{})
	metrics.ObserverConnections.Set(float64(len(b.conns)))
}

// Disconnect removes a connection from every channel
func (b *Broadcaster) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(connID)
}

func (b *Broadcaster) removeLocked(connID string) {
	for channel := range b.connChans[connID] {
		subs := b.chanConns[channel]
		delete(subs, connID)
		if len(subs) == 0 {
			delete(b.chanConns, channel)
		}
	}
	delete(b.connChans, connID)
	delete(b.conns, connID)
	metrics.ObserverConnections.Set(float64(len(b.conns)))
}

// Subscribe adds the connection to each channel, registering it if needed
func (b *Broadcaster) Subscribe(conn Conn, channels ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connectLocked(conn)
	id := conn.ID()
	for _, channel := range channels {
		b.connChans[id][channel] = struct{}{}
		subs, ok := b.chanConns[channel]
		if !ok {
			subs = make(map[string]struct{})
			b.chanConns[channel] = subs
		}
		subs[id] = struct{}{}
	}
}

// Unsubscribe removes the connection from each channel. The connection itself
// stays registered.
func (b *Broadcaster) Unsubscribe(connID string, channels ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, channel := range channels {
		delete(b.connChans[connID], channel)
		if subs, ok := b.chanConns[channel]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(b.chanConns, channel)
			}
		}
	}
}

// Subscriptions returns the channels a connection is subscribed to, sorted
func (b *Broadcaster) Subscriptions(connID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.connChans[connID]))
	for channel := range b.connChans[connID] {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// SubscriberCount returns the number of connections subscribed to channel
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.chanConns[channel])
}

// ConnectionCount returns the number of registered connections
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.conns)
}

// Broadcast sends msg, tagged with channel, to every subscriber of channel and
// returns how many sends succeeded.
func (b *Broadcaster) Broadcast(ctx context.Context, channel string, msg models.Message) int {
	msg.Channel = channel

	b.mu.RLock()
	targets := make([]Conn, 0, len(b.chanConns[channel]))
	for id := range b.chanConns[channel] {
		targets = append(targets, b.conns[id])
	}
	b.mu.RUnlock()

	return b.send(ctx, targets, msg)
}

// BroadcastAll sends msg to every registered connection regardless of channel
func (b *Broadcaster) BroadcastAll(ctx context.Context, msg models.Message) int {
	b.mu.RLock()
	targets := make([]Conn, 0, len(b.conns))
	for _, conn := range b.conns {
		targets = append(targets, conn)
	}
	b.mu.RUnlock()

	return b.send(ctx, targets, msg)
}

func (b *Broadcaster) send(ctx context.Context, targets []Conn, msg models.Message) int {
	label := msg.Channel
	if label == "" {
		label = "all"
	}

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(ctx, msg); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID()).
				Str("channel", msg.Channel).
				Msg("Dropping observer connection after failed send")
			metrics.BroadcastMessagesTotal.WithLabelValues(label, "failed").Inc()
			b.Disconnect(conn.ID())
			continue
		}
		metrics.BroadcastMessagesTotal.WithLabelValues(label, "sent").Inc()
		sent++
	}
	return sent
}

// forward hands msg to every sink
func (b *Broadcaster) forward(ctx context.Context, msg models.Message) {
	b.sinksMu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, msg); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			log.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("message_type", msg.MessageType).
				Msg("Failed to forward event to sink")
		}
	}
}
