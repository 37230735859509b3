// Package queue is the durable message fabric between the dispatcher and
// the worker services. Delivery is at-least-once: consumers acknowledge
// only after their handler returns, so redelivery after a crash is possible
// and business logic must tolerate it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded queue message. A nil return acknowledges
// the message; an error drops it without requeue (malformed or terminally
// failed payloads must not loop forever).
type Handler func(ctx context.Context, body []byte) error

// Publisher is the producer half of the fabric.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte, typeTag string) error
}

// Fabric is the full producer/consumer contract.
type Fabric interface {
	Publisher
	EnsureQueues(ctx context.Context, names ...string) error
	Subscribe(queueName string, h Handler) error
	Shutdown(ctx context.Context) error
}

var (
	ErrQueueUnknown      = errors.New("queue: not declared")
	ErrAlreadySubscribed = errors.New("queue: handler already registered")
	ErrShutdown          = errors.New("queue: shut down")
)

// AMQP implements Fabric over a RabbitMQ connection, one channel per queue.
type AMQP struct {
	logger *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	channels   map[string]*amqp.Channel
	subscribed map[string]bool
	cancels    []context.CancelFunc
	closed     bool

	// handlerCtx is handed to running handlers. It outlives the intake
	// contexts so a draining shutdown does not abort work mid-flight; it is
	// cancelled only once draining finishes or its deadline expires.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	wg sync.WaitGroup
}

// DialAMQP connects to the broker.
func DialAMQP(url string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial broker: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	return &AMQP{
		logger:        logger,
		conn:          conn,
		channels:      make(map[string]*amqp.Channel),
		subscribed:    make(map[string]bool),
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
	}, nil
}

// EnsureQueues declares each named durable queue, creating a dedicated
// channel for it. Declaring an existing queue is a no-op on the broker.
func (a *AMQP) EnsureQueues(ctx context.Context, names ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrShutdown
	}
	for _, name := range names {
		if _, ok := a.channels[name]; ok {
			continue
		}
		ch, err := a.conn.Channel()
		if err != nil {
			a.logger.Error("open channel failed", "queue", name, "err", err)
			return fmt.Errorf("queue: open channel for %q: %w", name, err)
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			a.logger.Error("declare queue failed", "queue", name, "err", err)
			_ = ch.Close()
			return fmt.Errorf("queue: declare %q: %w", name, err)
		}
		a.channels[name] = ch
		a.logger.Info("queue ready", "queue", name)
	}
	return nil
}

// Publish sends a persistent message to the named queue, attaching the
// optional type tag as a header. Transport errors are logged and returned,
// never escalated past the caller.
func (a *AMQP) Publish(ctx context.Context, queueName string, body []byte, typeTag string) error {
	a.mu.Lock()
	ch, ok := a.channels[queueName]
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	if !ok {
		a.logger.Error("publish to undeclared queue", "queue", queueName)
		return fmt.Errorf("queue: publish %q: %w", queueName, ErrQueueUnknown)
	}

	var headers amqp.Table
	if typeTag != "" {
		headers = amqp.Table{typeTagHeader: typeTag}
	}
	err := ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		a.logger.Error("publish failed", "queue", queueName, "err", err)
		return fmt.Errorf("queue: publish %q: %w", queueName, err)
	}
	return nil
}

// Subscribe registers the single handler for a queue. Each delivery runs in
// its own goroutine so a slow handler never blocks fetching the next
// message; ordering between messages is therefore not guaranteed.
func (a *AMQP) Subscribe(queueName string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrShutdown
	}
	ch, ok := a.channels[queueName]
	if !ok {
		return fmt.Errorf("queue: subscribe %q: %w", queueName, ErrQueueUnknown)
	}
	if a.subscribed[queueName] {
		return fmt.Errorf("queue: subscribe %q: %w", queueName, ErrAlreadySubscribed)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		a.logger.Error("subscribe failed", "queue", queueName, "err", err)
		return fmt.Errorf("queue: consume %q: %w", queueName, err)
	}
	a.subscribed[queueName] = true

	ctx, cancel := context.WithCancel(context.Background())
	a.cancels = append(a.cancels, cancel)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, open := <-deliveries:
				if !open {
					return
				}
				a.wg.Add(1)
				go a.dispatch(queueName, d, h)
			}
		}
	}()
	a.logger.Info("consuming", "queue", queueName)
	return nil
}

func (a *AMQP) dispatch(queueName string, d amqp.Delivery, h Handler) {
	defer a.wg.Done()
	// The type tag rides in headers only; handlers see the bare payload.
	err := h(a.handlerCtx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			a.logger.Error("ack failed", "queue", queueName, "err", ackErr)
		}
		return
	}
	// Work aborted by the shutdown deadline is not malformed; requeue it so
	// the next process picks it up instead of losing it.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("handler cancelled, requeueing message", "queue", queueName, "err", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			a.logger.Error("nack failed", "queue", queueName, "err", nackErr)
		}
		return
	}
	a.logger.Error("handler failed, dropping message", "queue", queueName, "err", err)
	if nackErr := d.Nack(false, false); nackErr != nil {
		a.logger.Error("nack failed", "queue", queueName, "err", nackErr)
	}
}

// Shutdown stops intake, drains in-flight handlers (bounded by ctx), then
// closes all channels and the connection. Handlers keep an uncancelled
// context while draining; if the deadline expires they are cancelled and
// their messages requeued. Safe to call more than once.
func (a *AMQP) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancels := a.cancels
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown deadline reached, cancelling in-flight handlers")
		a.handlerCancel()
		<-done
	}
	a.handlerCancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for name, ch := range a.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("queue: close channel %q: %w", name, err)
		}
	}
	if err := a.conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("queue: close connection: %w", err)
	}
	return firstErr
}
