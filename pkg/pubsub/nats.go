package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix prefixes NATS subjects as <prefix>.<channel>
const DefaultSubjectPrefix = "fleet.events"

// NATSSink mirrors every published event onto a NATS subject per channel
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to the NATS server at url
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	opts := []nats.Option{
		nats.Name("fleet-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Name implements Sink
func (s *NATSSink) Name() string {
	return "nats"
}

// Subject returns the subject events for channel are published on
func (s *NATSSink) Subject(channel string) string {
	return s.prefix + "." + channel
}

// Deliver implements Sink
func (s *NATSSink) Deliver(ctx context.Context, msg models.Message) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.nc.Publish(s.Subject(msg.Channel), payload)
}

// Close drains and closes the connection
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}
