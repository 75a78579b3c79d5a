// Package notify publishes cycle results to NATS so other hosts can react to
// conditions and corrective actions.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

// Subject suffixes under the configured prefix.
const (
	SubjectConditions = "conditions"
	SubjectActions    = "actions"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Drain() error
}

var _ Conn = (*nats.Conn)(nil)

// ConditionsMessage is published once per cycle that fired conditions.
type ConditionsMessage struct {
	CycleID    string             `json:"cycle_id"`
	Hostname   string             `json:"hostname,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Conditions []health.Condition `json:"conditions"`
}

// ActionsMessage is published once per cycle that ran actions.
type ActionsMessage struct {
	CycleID   string          `json:"cycle_id"`
	Hostname  string          `json:"hostname,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Actions   []health.Action `json:"actions"`
}

// Publisher sends cycle results. The zero value, and any Publisher built
// without a URL, drops everything.
type Publisher struct {
	conn     Conn
	prefix   string
	hostname string
	logger   zerolog.Logger
}

// Connect dials cfg.NATSURL. An empty URL yields a disabled publisher.
func Connect(cfg config.NotifyConfig, hostname string, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "notify").Logger()
	if cfg.NATSURL == "" {
		return &Publisher{logger: logger}, nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("raspi-doctor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, hostname, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix, hostname string, logger zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, hostname: hostname, logger: logger}
}

// Enabled reports whether messages are actually sent.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Subject returns the full subject for suffix.
func (p *Publisher) Subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

// PublishCycle sends the conditions and actions of one cycle. Empty lists
// are not published.
func (p *Publisher) PublishCycle(cycleID string, at time.Time, conditions []health.Condition, actions []health.Action) error {
	if !p.Enabled() {
		return nil
	}
	if len(conditions) > 0 {
		msg := ConditionsMessage{CycleID: cycleID, Hostname: p.hostname, Timestamp: at, Conditions: conditions}
		if err := p.publish(SubjectConditions, msg); err != nil {
			return err
		}
	}
	if len(actions) > 0 {
		msg := ActionsMessage{CycleID: cycleID, Hostname: p.hostname, Timestamp: at, Actions: actions}
		if err := p.publish(SubjectActions, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publish(suffix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", suffix, err)
	}
	subject := p.Subject(suffix)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("published")
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("nats flush failed")
	}
	return p.conn.Drain()
}
