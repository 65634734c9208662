package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces run updates; the username is the last token.
const SubjectPrefix = "plantit.runs"

// NATSConfig mirrors the connection settings other services use.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSPublisher forwards updates to plantit.runs.<username>.
type NATSPublisher struct {
	conn *nats.Conn
}

func ConnectNATS(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewNATSPublisher(conn), nil
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func Subject(username string) string {
	return SubjectPrefix + "." + username
}

func (p *NATSPublisher) Publish(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(u.Username), data); err != nil {
		return fmt.Errorf("failed to publish run update: %w", err)
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
