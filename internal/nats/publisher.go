package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"classwatch/internal/models"
)

// HeaderQuery carries the alert's query as course/term/program/section.
const HeaderQuery = "Classwatch-Query"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher delivers alerts to NATS
type Publisher struct {
	conn    *nats.Conn
	out     msgPublisher
	subject string
	logger  *logrus.Logger
}

// NewPublisher connects to NATS and creates a publisher for subject
func NewPublisher(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("classwatch"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &Publisher{
		conn:    conn,
		out:     conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Publish sends an alert. The alert id is used as the JetStream dedup id so a
// retried publish is not delivered twice.
func (p *Publisher) Publish(alert *models.Alert) error {
	var data []byte
	var err error

	if len(alert.RawJSON) > 0 {
		data = alert.RawJSON
	} else {
		data, err = json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, alert.ID)
	msg.Header.Set(HeaderQuery, alert.Query.String())

	if err := p.out.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published alert %s for %s to %d subscribers", alert.ID, alert.Query, len(alert.Subscribers))
	return nil
}

// Close drains pending publishes and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}

// GetConn returns the underlying NATS connection
func (p *Publisher) GetConn() *nats.Conn {
	return p.conn
}
