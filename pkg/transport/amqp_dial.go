package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DialFunc opens a broker connection. It must give up when ctx ends.
type DialFunc func(ctx context.Context, url string) (*amqp.Connection, error)

// dialContext is the default DialFunc: the TCP dial follows ctx so a
// disconnect never waits on an unreachable broker.
func dialContext(ctx context.Context, url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
}

// dialBroker tries dial up to attempts times, pausing per pace between tries.
func dialBroker(ctx context.Context, dial DialFunc, url string, attempts int, pace Redial, log *slog.Logger) (*amqp.Connection, error) {
	if dial == nil {
		dial = dialContext
	}
	attempts = max(attempts, 1)

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dial(ctx, url)
		if err == nil {
			if i > 1 {
				log.Info("broker connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		log.Warn("broker dial failed", slog.Int("attempt", i), slog.Any("error", err))
		if !pace.Wait(ctx, i) {
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", attempts, lastErr)
}
