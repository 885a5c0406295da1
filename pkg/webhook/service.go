package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set
const SignatureHeader = "X-Webhook-Signature"

// Endpoint is a configured webhook receiver
type Endpoint struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Secret         string            `yaml:"secret"`
	Channels       []string          `yaml:"channels"`      // empty means every channel
	MessageTypes   []string          `yaml:"message_types"` // empty means every type
	Headers        map[string]string `yaml:"headers"`
	MaxRetries     int               `yaml:"max_retries"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// Wants reports whether the endpoint subscribes to msg
func (e Endpoint) Wants(msg models.Message) bool {
	return matches(e.Channels, msg.Channel) && matches(e.MessageTypes, msg.MessageType)
}

func matches(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}

// Service posts broadcast events to webhook endpoints. It is a broadcaster sink.
type Service struct {
	endpoints []Endpoint
	backoff   time.Duration
	wg        sync.WaitGroup
}

// NewService creates a new webhook service
func NewService(endpoints []Endpoint) *Service {
	return &Service{
		endpoints: endpoints,
		backoff:   time.Second,
	}
}

// SetBackoff sets the base delay between delivery attempts
func (s *Service) SetBackoff(d time.Duration) {
	s.backoff = d
}

// EventPayload represents the payload sent to webhook endpoints
type EventPayload struct {
	Event     string      `json:"event"`
	Channel   string      `json:"channel,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Name implements pubsub.Sink
func (s *Service) Name() string {
	return "webhook"
}

// Deliver sends msg to every interested endpoint in the background
func (s *Service) Deliver(ctx context.Context, msg models.Message) error {
	var targets []Endpoint
	for _, e := range s.endpoints {
		if e.Wants(msg) {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(EventPayload{
		Event:     msg.MessageType,
		Channel:   msg.Channel,
		Timestamp: msg.Timestamp,
		Data:      msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	for _, e := range targets {
		s.wg.Add(1)
		go func(e Endpoint) {
			defer s.wg.Done()
			s.send(e, msg.MessageType, payload)
		}(e)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// send posts payload to one endpoint with linear backoff between attempts
func (s *Service) send(e Endpoint, event string, payload []byte) bool {
	maxRetries := e.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	timeout := time.Duration(e.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{
		Timeout: timeout,
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * s.backoff)
		}

		req, err := http.NewRequest(http.MethodPost, e.URL, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			break
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Fleet-Orchestrator-Webhook/1.0")
		req.Header.Set("X-Webhook-Event", event)
		for key, value := range e.Headers {
			req.Header.Set(key, value)
		}
		if e.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(payload, e.Secret))
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("webhook", e.Name).
				Int("attempt", attempt).
				Int("max_retries", maxRetries).
				Msg("Webhook delivery attempt failed")
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Debug().
				Str("webhook", e.Name).
				Str("event", event).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return true
		}

		lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		log.Warn().
			Str("webhook", e.Name).
			Int("attempt", attempt).
			Int("status", resp.StatusCode).
			Msg("Webhook endpoint rejected delivery")
	}

	log.Error().Err(lastErr).
		Str("webhook", e.Name).
		Str("event", event).
		Msg("Webhook delivery failed")
	return false
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
