package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InProc is an in-process Fabric used by tests and single-binary local
// runs. It mirrors the broker semantics that matter to consumers: declared
// queues, one handler per queue, handler-per-message dispatch, and a
// draining shutdown.
type InProc struct {
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[string]chan inprocMessage
	handlers map[string]Handler
	closed   bool

	// intake stops at shutdown; handlers keep their own context, cancelled
	// only when the drain deadline expires.
	intakeCtx     context.Context
	intakeCancel  context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	wg sync.WaitGroup
}

type inprocMessage struct {
	body    []byte
	typeTag string
}

func NewInProc(logger *slog.Logger) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	intakeCtx, intakeCancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	return &InProc{
		logger:        logger,
		queues:        make(map[string]chan inprocMessage),
		handlers:      make(map[string]Handler),
		intakeCtx:     intakeCtx,
		intakeCancel:  intakeCancel,
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
	}
}

func (q *InProc) EnsureQueues(ctx context.Context, names ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	for _, name := range names {
		if _, ok := q.queues[name]; !ok {
			q.queues[name] = make(chan inprocMessage, 256)
		}
	}
	return nil
}

func (q *InProc) Publish(ctx context.Context, queueName string, body []byte, typeTag string) error {
	q.mu.Lock()
	ch, ok := q.queues[queueName]
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	if !ok {
		return fmt.Errorf("queue: publish %q: %w", queueName, ErrQueueUnknown)
	}
	select {
	case ch <- inprocMessage{body: body, typeTag: typeTag}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InProc) Subscribe(queueName string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	ch, ok := q.queues[queueName]
	if !ok {
		return fmt.Errorf("queue: subscribe %q: %w", queueName, ErrQueueUnknown)
	}
	if _, dup := q.handlers[queueName]; dup {
		return fmt.Errorf("queue: subscribe %q: %w", queueName, ErrAlreadySubscribed)
	}
	q.handlers[queueName] = h

	go func() {
		for {
			select {
			case <-q.intakeCtx.Done():
				return
			case msg := <-ch:
				q.wg.Add(1)
				go func(m inprocMessage) {
					defer q.wg.Done()
					if err := h(q.handlerCtx, m.body); err != nil {
						q.logger.Error("handler failed, dropping message", "queue", queueName, "err", err)
					}
				}(msg)
			}
		}
	}()
	return nil
}

// Shutdown stops intake and waits for in-flight handlers. Handlers keep an
// uncancelled context while draining; only an expired drain deadline
// cancels them.
func (q *InProc) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.intakeCancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.handlerCancel()
		return nil
	case <-ctx.Done():
		q.handlerCancel()
		return ctx.Err()
	}
}

var _ Fabric = (*InProc)(nil)
var _ Fabric = (*AMQP)(nil)
