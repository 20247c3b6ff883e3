package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker manages the AMQP connection and channel shared by the
// publishers and the workers. It reconnects with backoff when the
// connection drops; consumers observe a closed delivery channel and
// call Consume again.
type Broker struct {
	url    string
	logger *log.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	done chan struct{}
}

// Dial connects to the broker, asserts the durable queues and starts
// the reconnect watchdog.
func Dial(url string) (*Broker, error) {
	b := &Broker{
		url:    url,
		logger: log.WithPrefix("broker"),
		done:   make(chan struct{}),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	go b.watchConnection()

	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	for _, name := range []string{InboxQueue, OutboxQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	b.logger.Info("Broker connection established", "url", b.url)
	return nil
}

// watchConnection reconnects with backoff whenever the connection
// closes, until Close is called.
func (b *Broker) watchConnection() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Clean shutdown
				return
			}
			b.logger.Warn("Broker connection lost, reconnecting", "err", amqpErr)
		}

		err := retry.Do(
			b.connect,
			retry.Context(b.contextFromDone()),
			retry.Attempts(0), // retry until shutdown
			retry.Delay(time.Second),
			retry.MaxDelay(time.Minute),
			retry.DelayType(retry.BackOffDelay),
			retry.OnRetry(func(n uint, err error) {
				b.logger.Warn("Broker reconnect failed", "attempt", n+1, "err", err)
			}),
		)
		if err != nil {
			return
		}
	}
}

func (b *Broker) contextFromDone() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.done
		cancel()
	}()
	return ctx
}

// Publish sends a persistent queue message.
func (b *Broker) Publish(ctx context.Context, queueName string, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("broker channel not available")
	}

	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
}

// Consume opens a manually-acknowledged delivery stream. The returned
// channel closes when the connection drops; callers should retry
// until their context is cancelled.
func (b *Broker) Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("broker channel not available")
	}

	return ch.Consume(queueName, consumerTag, false, false, false, false, nil)
}

func (b *Broker) Close() error {
	close(b.done)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
