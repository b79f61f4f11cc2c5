// Package broker adapts NATS JetStream for task dispatch, coordination K/V,
// and gateway callbacks. Every payload crossing the broker is bounded; large
// data travels through the result store by reference.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/noetl/noetl/pkg/config"
)

// Subject layout. Tasks are routed by pool and tool kind; per-execution
// event fanout and gateway callbacks use core NATS.
const (
	taskSubjectPrefix     = "tasks."
	eventSubjectPrefix    = "events."
	callbackSubjectPrefix = "gateway.callback."
)

// ErrPayloadTooLarge reports a publish or K/V put over the notification
// budget. Callers must move the payload to the result store instead.
var ErrPayloadTooLarge = errors.New("payload exceeds broker notification budget")

// Broker wraps one NATS connection and its JetStream handle.
type Broker struct {
	cfg  config.BrokerConfig
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials NATS, sets up JetStream, and ensures the task stream exists.
func Connect(ctx context.Context, cfg config.BrokerConfig) (*Broker, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("noetl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Broker connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	b := &Broker{cfg: cfg, conn: conn, js: js}
	if err := b.ensureTaskStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Close drains in-flight messages and closes the connection.
func (b *Broker) Close() {
	if err := b.conn.Drain(); err != nil {
		slog.Warn("Broker drain failed", "error", err)
		b.conn.Close()
	}
}

// Healthy reports whether the connection is currently established.
func (b *Broker) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *Broker) ensureTaskStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.TaskStream,
		Subjects:  []string{taskSubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxMsgSize: func() int32 {
			return int32(b.cfg.NotificationBudget)
		}(),
	})
	if err != nil {
		return fmt.Errorf("failed to ensure task stream: %w", err)
	}
	return nil
}

// PublishTask places a task notification on tasks.<pool>.<kind>. The payload
// must stay within the notification budget.
func (b *Broker) PublishTask(ctx context.Context, pool, kind string, payload []byte) error {
	if len(payload) > b.cfg.NotificationBudget {
		return fmt.Errorf("%w: %d bytes on tasks.%s.%s", ErrPayloadTooLarge, len(payload), pool, kind)
	}
	subject := taskSubjectPrefix + pool + "." + kind
	if _, err := b.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("failed to publish task to %s: %w", subject, err)
	}
	return nil
}

// TaskHandler processes one task notification. Returning nil acks the
// message; an error leaves it for redelivery.
type TaskHandler func(ctx context.Context, subject string, payload []byte) error

// TaskSubscription is a running durable consumer; Stop drains it and waits
// for in-flight handlers.
type TaskSubscription struct {
	consume jetstream.ConsumeContext
	wg      sync.WaitGroup
}

// Stop halts delivery without deleting the durable consumer state.
func (s *TaskSubscription) Stop() {
	s.consume.Drain()
	s.wg.Wait()
}

// ConsumeTasks attaches a durable consumer for one worker pool, processing
// up to maxConcurrent tasks at once. Unacked deliveries are retried after
// ackWait, up to maxDeliver attempts; the task-lease supervisor catches
// what falls through.
func (b *Broker) ConsumeTasks(ctx context.Context, pool, durable string, ackWait time.Duration, maxDeliver, maxConcurrent int, handler TaskHandler) (*TaskSubscription, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.TaskStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: taskSubjectPrefix + pool + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for pool %s: %w", pool, err)
	}

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sub := &TaskSubscription{}
	sem := make(chan struct{}, maxConcurrent)

	consume, err := cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		sub.wg.Add(1)
		go func() {
			defer func() {
				<-sem
				sub.wg.Done()
			}()
			if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
				slog.Warn("Task handler failed, leaving for redelivery",
					"subject", msg.Subject(), "error", err)
				_ = msg.Nak()
				return
			}
			if err := msg.Ack(); err != nil {
				slog.Warn("Task ack failed", "subject", msg.Subject(), "error", err)
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming pool %s: %w", pool, err)
	}
	sub.consume = consume
	return sub, nil
}

// PublishEvent mirrors a bounded event summary to events.<execution_id> for
// live watchers. Best effort; the event log is the source of truth.
func (b *Broker) PublishEvent(executionID int64, payload []byte) error {
	if len(payload) > b.cfg.NotificationBudget {
		return fmt.Errorf("%w: %d bytes on event fanout", ErrPayloadTooLarge, len(payload))
	}
	subject := fmt.Sprintf("%s%d", eventSubjectPrefix, executionID)
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish event fanout: %w", err)
	}
	return nil
}

// SubscribeEvents delivers event fanout messages for one execution until the
// returned unsubscribe function is called.
func (b *Broker) SubscribeEvents(executionID int64, handler func(payload []byte)) (func(), error) {
	subject := fmt.Sprintf("%s%d", eventSubjectPrefix, executionID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to event fanout: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// RespondCallback delivers a terminal execution summary to the gateway
// request that launched it.
func (b *Broker) RespondCallback(requestID string, payload []byte) error {
	if len(payload) > b.cfg.NotificationBudget {
		return fmt.Errorf("%w: %d bytes on callback %s", ErrPayloadTooLarge, len(payload), requestID)
	}
	if err := b.conn.Publish(callbackSubjectPrefix+requestID, payload); err != nil {
		return fmt.Errorf("failed to publish callback %s: %w", requestID, err)
	}
	return nil
}

// WaitCallback blocks until the callback for requestID arrives or ctx ends.
func (b *Broker) WaitCallback(ctx context.Context, requestID string) ([]byte, error) {
	sub, err := b.conn.SubscribeSync(callbackSubjectPrefix + requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to callback %s: %w", requestID, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for callback %s: %w", requestID, err)
	}
	return msg.Data, nil
}
