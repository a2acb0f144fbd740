package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"

	"buildforge/shared/message"
)

const (
	waitSuffix  = ".wait"
	maxPriority = 10
	highPrio    = 5
)

// Deduper decides whether a message id may enter a queue. RedisDeduper is
// the production implementation.
type Deduper interface {
	Admit(ctx context.Context, scope, id string) (bool, error)
	Forget(ctx context.Context, scope, id string) error
}

// RabbitQueue runs the queue port on RabbitMQ. Each queue {name} comes with
// {name}.wait, where delayed and retried messages sit until their per-message
// TTL expires and they are dead-lettered back into {name}. Unacked
// deliveries return to the queue when the channel closes, which is the
// broker's visibility timeout.
type RabbitQueue struct {
	url         string
	dedup       Deduper
	retrier     Retrier
	prefetch    int
	consumerTag string
	logger      *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	declared  map[string]bool
	consumers map[string]<-chan amqp.Delivery
	tags      map[string]map[string]uint64
	channels  uint64
	closed    bool
}

type RabbitOption func(*RabbitQueue)

func WithRabbitDeduper(d Deduper) RabbitOption {
	return func(q *RabbitQueue) {
		q.dedup = d
	}
}

func WithRabbitRetrier(r Retrier) RabbitOption {
	return func(q *RabbitQueue) {
		q.retrier = r
	}
}

func WithRabbitPrefetch(n int) RabbitOption {
	return func(q *RabbitQueue) {
		q.prefetch = n
	}
}

func NewRabbitQueue(url, consumerName string, logger *slog.Logger, opts ...RabbitOption) *RabbitQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RabbitQueue{
		url:         url,
		retrier:     DefaultRetrier(logger),
		prefetch:    8,
		consumerTag: fmt.Sprintf("%s-%s", consumerName, xid.New()),
		logger:      logger,
		declared:    make(map[string]bool),
		consumers:   make(map[string]<-chan amqp.Delivery),
		tags:        make(map[string]map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.retrier.Retryable == nil {
		q.retrier.Retryable = isRetryableAMQPError
	}
	if q.retrier.Logger == nil {
		q.retrier.Logger = logger
	}
	return q
}

// Connect dials the broker, retrying with backoff.
func (q *RabbitQueue) Connect(ctx context.Context) error {
	return q.retrier.Do(ctx, "connect", func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, err := q.channelLocked()
		return err
	})
}

func (q *RabbitQueue) Enqueue(ctx context.Context, queue string, msg message.Message, opts ...Option) (bool, error) {
	o := applyOptions(opts)
	body, err := message.Encode(msg)
	if err != nil {
		return false, err
	}

	if q.dedup != nil {
		admitted, err := q.dedup.Admit(ctx, queue, msg.ID())
		if err != nil {
			return false, q.logError("queue_enqueue_failed", err, "queue", queue, "message_id", msg.ID())
		}
		if !admitted {
			return false, nil
		}
	}

	if err := q.publish(ctx, queue, msg, body, o.delay); err != nil {
		if q.dedup != nil {
			if forgetErr := q.dedup.Forget(ctx, queue, msg.ID()); forgetErr != nil {
				q.logError("queue_dedup_forget_failed", forgetErr, "queue", queue, "message_id", msg.ID())
			}
		}
		return false, q.logError("queue_enqueue_failed", err, "queue", queue, "message_id", msg.ID())
	}
	return true, nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (message.Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		var deliveries <-chan amqp.Delivery
		err := q.retrier.Do(ctx, "consume", func(ctx context.Context) error {
			var err error
			deliveries, err = q.consumer(queue)
			return err
		})
		if err != nil {
			return message.Message{}, false, q.logError("queue_dequeue_failed", err, "queue", queue)
		}

		select {
		case <-ctx.Done():
			return message.Message{}, false, ctx.Err()
		case <-timer.C:
			return message.Message{}, false, nil
		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warn("amqp delivery channel closed, reconnecting",
					"event", "queue_consumer_closed",
					"module", "shared/queue",
					"layer", "adapter",
					"queue", queue,
				)
				q.reset()
				continue
			}

			msg, err := message.Decode(d.Body)
			if err != nil {
				q.park(ctx, queue, d, err)
				continue
			}
			if receipt, ok := q.track(queue, msg.ID(), d.DeliveryTag); ok {
				return msg.WithDelivery(receipt), true, nil
			}
		}
	}
}

func (q *RabbitQueue) Ack(ctx context.Context, queue string, msg message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tag, ok := q.untrackLocked(queue, msg.Delivery())
	if !ok {
		return ErrNotInFlight
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return q.logError("queue_ack_failed", err, "queue", queue, "message_id", msg.ID())
	}
	return nil
}

// Nack with requeue publishes msg anew, since its retry count may have
// changed, and then acks the original delivery.
func (q *RabbitQueue) Nack(ctx context.Context, queue string, msg message.Message, requeue bool, opts ...Option) error {
	o := applyOptions(opts)

	q.mu.Lock()
	tag, ok := q.untrackLocked(queue, msg.Delivery())
	q.mu.Unlock()
	if !ok {
		return ErrNotInFlight
	}

	if requeue {
		body, err := message.Encode(msg)
		if err != nil {
			return err
		}
		if err := q.publish(ctx, queue, msg, body, o.delay); err != nil {
			return q.logError("queue_nack_requeue_failed", err, "queue", queue, "message_id", msg.ID())
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return nil
	}
	var err error
	if requeue {
		err = q.ch.Ack(tag, false)
	} else {
		err = q.ch.Nack(tag, false, false)
	}
	if err != nil {
		return q.logError("queue_nack_failed", err, "queue", queue, "message_id", msg.ID())
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return q.resetLocked()
}

func (q *RabbitQueue) publish(ctx context.Context, queue string, msg message.Message, body []byte, delay time.Duration) error {
	return q.retrier.Do(ctx, "publish", func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		ch, err := q.channelLocked()
		if err != nil {
			return err
		}
		if err := q.declareLocked(ch, queue); err != nil {
			q.resetLocked()
			return err
		}
		routingKey := queue
		if delay > 0 {
			routingKey = queue + waitSuffix
		}
		if err := ch.PublishWithContext(ctx, "", routingKey, false, false, publishing(msg, body, delay)); err != nil {
			q.resetLocked()
			return err
		}
		return nil
	})
}

func (q *RabbitQueue) consumer(queue string) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if deliveries, ok := q.consumers[queue]; ok {
		return deliveries, nil
	}
	ch, err := q.channelLocked()
	if err != nil {
		return nil, err
	}
	if err := q.declareLocked(ch, queue); err != nil {
		q.resetLocked()
		return nil, err
	}
	deliveries, err := ch.Consume(queue, q.consumerTag+"-"+queue, false, false, false, false, nil)
	if err != nil {
		q.resetLocked()
		return nil, err
	}
	q.consumers[queue] = deliveries
	return deliveries, nil
}

// park sends an undecodable delivery to the dead-letter queue untouched and
// acks the original.
func (q *RabbitQueue) park(ctx context.Context, queue string, d amqp.Delivery, cause error) {
	q.logger.Error("undecodable message parked",
		"event", "queue_message_parked",
		"module", "shared/queue",
		"layer", "adapter",
		"queue", queue,
		"dead_letter_queue", DeadLetterName(queue),
		"error", cause.Error(),
	)
	dlq := DeadLetterName(queue)
	err := q.retrier.Do(ctx, "park", func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		ch, err := q.channelLocked()
		if err != nil {
			return err
		}
		if err := q.declareLocked(ch, dlq); err != nil {
			q.resetLocked()
			return err
		}
		return ch.PublishWithContext(ctx, "", dlq, false, false, amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         d.Body,
		})
	})
	if err != nil {
		q.logError("queue_park_failed", err, "queue", queue)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		if err := q.ch.Ack(d.DeliveryTag, false); err != nil {
			q.logError("queue_ack_failed", err, "queue", queue)
		}
	}
}

// track records a delivery under a receipt naming the channel it arrived
// on, since tags restart at one on every channel.
func (q *RabbitQueue) track(queue, id string, tag uint64) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch == nil {
		return "", false
	}
	byReceipt, ok := q.tags[queue]
	if !ok {
		byReceipt = make(map[string]uint64)
		q.tags[queue] = byReceipt
	}
	receipt := deliveryReceipt(id, q.channels, tag)
	byReceipt[receipt] = tag
	return receipt, true
}

func (q *RabbitQueue) untrackLocked(queue, receipt string) (uint64, bool) {
	tag, ok := q.tags[queue][receipt]
	if !ok || q.ch == nil {
		return 0, false
	}
	delete(q.tags[queue], receipt)
	return tag, true
}

func deliveryReceipt(id string, channel, tag uint64) string {
	return id + ":" + strconv.FormatUint(channel, 10) + ":" + strconv.FormatUint(tag, 10)
}

func (q *RabbitQueue) channelLocked() (*amqp.Channel, error) {
	if q.closed {
		return nil, ErrClosed
	}
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	q.resetLocked()

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn, q.ch = conn, ch
	q.logger.Info("connected to amqp broker",
		"event", "queue_broker_connected",
		"module", "shared/queue",
		"layer", "adapter",
		"consumer_tag", q.consumerTag,
	)
	return ch, nil
}

func (q *RabbitQueue) declareLocked(ch *amqp.Channel, queue string) error {
	if q.declared[queue] {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs()); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue+waitSuffix, true, false, false, false, waitQueueArgs(queue)); err != nil {
		return err
	}
	q.declared[queue] = true
	return nil
}

func (q *RabbitQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

// resetLocked drops the connection. Delivery tags die with the channel, and
// the broker requeues whatever they referenced.
func (q *RabbitQueue) resetLocked() error {
	var err error
	if q.ch != nil {
		err = q.ch.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		if closeErr := q.conn.Close(); err == nil {
			err = closeErr
		}
	}
	q.conn, q.ch = nil, nil
	q.declared = make(map[string]bool)
	q.consumers = make(map[string]<-chan amqp.Delivery)
	q.tags = make(map[string]map[string]uint64)
	q.channels++
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (q *RabbitQueue) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "shared/queue",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	q.logger.Error("amqp queue operation failed", fields...)
	return err
}

func queueArgs() amqp.Table {
	return amqp.Table{
		"x-max-priority": int32(maxPriority),
	}
}

func waitQueueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
}

func publishing(msg message.Message, body []byte, delay time.Duration) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Type:         string(msg.Type()),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if msg.Priority() == message.PriorityHigh {
		p.Priority = highPrio
	}
	if delay > 0 {
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return p
}

func isRetryableAMQPError(err error) bool {
	if errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ChannelError, amqp.InternalError, amqp.FrameError:
			return true
		}
		return amqpErr.Recover
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

var (
	_ Queue   = (*RabbitQueue)(nil)
	_ Deduper = (*RedisDeduper)(nil)
)
