// Package notify fans alert events out to NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/security"
)

// DefaultSubjectPrefix is prepended to the alert severity.
const DefaultSubjectPrefix = "secmon.alerts"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// ConnConfig holds NATS connection settings.
type ConnConfig struct {
	URL           string
	Name          string
	Token         string
	Timeout       time.Duration
	ReconnectWait time.Duration
}

// Connect dials NATS with infinite reconnects, logging connection changes.
func Connect(cfg ConnConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "secmon"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Message is the JSON body of a published alert.
type Message struct {
	EventID     string             `json:"event_id"`
	Type        security.EventType `json:"type"`
	Severity    security.Severity  `json:"severity"`
	ActorID     string             `json:"actor_id,omitempty"`
	RiskScore   int                `json:"risk_score"`
	RuleName    string             `json:"rule_name,omitempty"`
	Description string             `json:"description,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Details     security.Details   `json:"details,omitempty"`
}

func newMessage(ev *security.Event) Message {
	return Message{
		EventID:     ev.ID,
		Type:        ev.Type,
		Severity:    ev.Severity,
		ActorID:     ev.ActorID,
		RiskScore:   ev.RiskScore,
		RuleName:    ev.Details.String(security.DetailRuleName),
		Description: ev.Details.String(security.DetailDescription),
		Timestamp:   ev.Timestamp,
		Details:     ev.Details,
	}
}

// Publisher publishes alert events to <prefix>.<severity>.
type Publisher struct {
	conn    Conn
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewPublisher creates a Publisher.
func NewPublisher(conn Conn, prefix string, logger *zap.Logger, metrics *observability.Metrics) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger, metrics: metrics}
}

// Subject returns the subject for an alert of severity s.
func (p *Publisher) Subject(s security.Severity) string {
	return p.prefix + "." + string(s)
}

// Publish sends ev. The event ID doubles as the JetStream dedup ID.
func (p *Publisher) Publish(ev *security.Event) error {
	body, err := json.Marshal(newMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := nats.NewMsg(p.Subject(ev.Severity))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	return p.conn.PublishMsg(msg)
}

// Handle is an alert subscriber. Failures are logged, never returned.
func (p *Publisher) Handle(ev *security.Event) {
	if err := p.Publish(ev); err != nil {
		p.metrics.AlertPublished("error")
		p.logger.Error("Failed to publish alert",
			zap.String("event_id", ev.ID),
			zap.String("subject", p.Subject(ev.Severity)),
			zap.Error(err),
		)
		return
	}
	p.metrics.AlertPublished("ok")
}
