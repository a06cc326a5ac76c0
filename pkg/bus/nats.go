package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/log"
)

// NATS implements Bus on a NATS connection. The client reconnects forever
// with a fixed wait; publishes during an outage fail fast as
// DependencyUnavailable and are absorbed by the step retry budget.
type NATS struct {
	conn *nats.Conn
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string) (*NATS, error) {
	logger := log.WithComponent("bus")

	conn, err := nats.Connect(url,
		nats.Name("powerdaemon"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %v: %w", url, err, errdefs.ErrDependencyUnavailable)
	}
	return &NATS{conn: conn}, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", topic, err)
	}
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %v: %w", topic, err, errdefs.ErrDependencyUnavailable)
	}
	return nil
}

func (n *NATS) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %v: %w", topic, err, errdefs.ErrDependencyUnavailable)
	}
	return sub, nil
}

func (n *NATS) Close() error {
	return n.conn.Drain()
}
