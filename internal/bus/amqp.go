package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// QueueName is where the operator UI and dashboard pick up lane events.
const QueueName = "exitgate.events"

const redialDelay = 5 * time.Second

// Bridge forwards bus events to a durable AMQP queue as JSON. It is
// optional: sites without a broker simply leave the URL unset. Publish
// failures are logged and the event dropped; the broker is telemetry,
// not a dependency of the exit path.
type Bridge struct {
	url    string
	logger *log.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewBridge(url string, logger *log.Logger) *Bridge {
	return &Bridge{url: url, logger: logger}
}

// Run consumes events until the channel closes or ctx is cancelled.
// Intended as a goroutine on a bus subscription.
func (b *Bridge) Run(ctx context.Context, events <-chan types.Event) {
	defer b.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.publish(ctx, ev); err != nil {
				b.logger.Printf("bus: amqp publish %s: %v", ev.Kind, err)
				b.teardown()
			}
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev types.Event) error {
	if err := b.ensureChannel(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Kind),
		MessageId:    ev.ID,
		Body:         body,
	})
}

// ensureChannel dials lazily and declares the durable queue once per
// connection. Redials are spaced out so a dead broker does not busy-loop.
func (b *Bridge) ensureChannel() error {
	if b.ch != nil && !b.conn.IsClosed() {
		return nil
	}
	b.teardown()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		time.Sleep(redialDelay)
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	b.conn, b.ch = conn, ch
	b.logger.Printf("bus: amqp bridge connected, queue %s", QueueName)
	return nil
}

func (b *Bridge) teardown() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}
