package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/xid"

	"buildforge/shared/message"
)

// RedisDeduper remembers admitted message ids for a window using SET NX keys
// that expire on their own.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, window: window}
}

// Admit reports whether id is new in scope. A non-positive window admits
// everything.
func (d *RedisDeduper) Admit(ctx context.Context, scope, id string) (bool, error) {
	if d.window <= 0 {
		return true, nil
	}
	return d.client.SetNX(ctx, dedupKey(scope, id), d.now(), d.window).Result()
}

// Forget drops id so the next Admit succeeds again.
func (d *RedisDeduper) Forget(ctx context.Context, scope, id string) error {
	if d.window <= 0 {
		return nil
	}
	return d.client.Del(ctx, dedupKey(scope, id)).Err()
}

func (d *RedisDeduper) now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func dedupKey(scope, id string) string {
	return fmt.Sprintf("queue:%s:dedup:%s", scope, id)
}

// RedisQueue keeps each queue in a handful of keys. Ready and delayed
// entries are "<id> <payload>" so scripts read the id without decoding JSON.
//
//	queue:{name}:high, queue:{name}:normal   ready lists, popped from the right
//	queue:{name}:delayed                    ZSET of entries scored by due time
//	queue:{name}:inflight                   ZSET of receipts scored by visibility deadline
//	queue:{name}:payloads                   HASH receipt -> entry of in-flight messages
//	queue:{name}:pending                    SET of ids waiting to be delivered
//
// A receipt is "<id>:<xid>", one per delivery. Popping and recording the
// receipt happen in one script, as do settling a receipt and requeueing it.
type RedisQueue struct {
	client            *redis.Client
	dedup             *RedisDeduper
	retrier           Retrier
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	now               func() time.Time
	logger            *slog.Logger
}

type RedisOption func(*RedisQueue)

func WithRedisDedupWindow(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		q.dedup = NewRedisDeduper(q.client, d)
	}
}

func WithRedisVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		q.visibilityTimeout = d
	}
}

func WithRedisRetrier(r Retrier) RedisOption {
	return func(q *RedisQueue) {
		q.retrier = r
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		q.now = now
	}
}

func NewRedisQueue(client *redis.Client, logger *slog.Logger, opts ...RedisOption) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RedisQueue{
		client:            client,
		dedup:             NewRedisDeduper(client, DefaultDedupWindow),
		retrier:           DefaultRetrier(logger),
		visibilityTimeout: DefaultVisibilityTimeout,
		pollInterval:      50 * time.Millisecond,
		now:               time.Now,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.retrier.Retryable == nil {
		q.retrier.Retryable = isRetryableRedisError
	}
	if q.retrier.Logger == nil {
		q.retrier.Logger = logger
	}
	return q
}

// KEYS: high, normal, inflight, payloads, pending, dead letter.
// ARGV: visibility deadline, receipt suffix.
const popSource = `
local entry = redis.call('RPOP', KEYS[1])
if not entry then entry = redis.call('RPOP', KEYS[2]) end
if not entry then return false end
local sep = string.find(entry, ' ', 1, true)
if not sep then
	redis.call('LPUSH', KEYS[6], entry)
	return {'', '', entry}
end
local id = string.sub(entry, 1, sep - 1)
local receipt = id .. ':' .. ARGV[2]
redis.call('ZADD', KEYS[3], ARGV[1], receipt)
redis.call('HSET', KEYS[4], receipt, entry)
redis.call('SREM', KEYS[5], id)
return {receipt, id, entry}
`

// KEYS: inflight, payloads, pending, target.
// ARGV: receipt, mode (ack, ready or delayed), id, entry, due score.
const releaseSource = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[2] == 'ready' then
	redis.call('SADD', KEYS[3], ARGV[3])
	redis.call('LPUSH', KEYS[4], ARGV[4])
elseif ARGV[2] == 'delayed' then
	redis.call('SADD', KEYS[3], ARGV[3])
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[4])
end
return 1
`

// KEYS: delayed, ready. ARGV: entry.
const promoteSource = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`

var (
	popScript     = redis.NewScript(popSource)
	releaseScript = redis.NewScript(releaseSource)
	promoteScript = redis.NewScript(promoteSource)
)

const (
	releaseAck     = "ack"
	releaseReady   = "ready"
	releaseDelayed = "delayed"
)

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, msg message.Message, opts ...Option) (bool, error) {
	o := applyOptions(opts)
	entry, err := encodeEntry(msg)
	if err != nil {
		return false, err
	}

	var admitted bool
	err = q.retrier.Do(ctx, "enqueue_dedup", func(ctx context.Context) error {
		pending, err := q.client.SIsMember(ctx, pendingKey(queue), msg.ID()).Result()
		if err != nil {
			return err
		}
		if pending {
			admitted = false
			return nil
		}
		admitted, err = q.dedup.Admit(ctx, queue, msg.ID())
		return err
	})
	if err != nil {
		return false, q.logError("queue_enqueue_failed", err, "queue", queue, "message_id", msg.ID())
	}
	if !admitted {
		q.logger.Debug("duplicate message not enqueued",
			"event", "queue_enqueue_duplicate",
			"module", "shared/queue",
			"layer", "adapter",
			"queue", queue,
			"message_id", msg.ID(),
		)
		return false, nil
	}

	if err := q.push(ctx, queue, msg, entry, o.delay); err != nil {
		if forgetErr := q.dedup.Forget(ctx, queue, msg.ID()); forgetErr != nil {
			q.logError("queue_dedup_forget_failed", forgetErr, "queue", queue, "message_id", msg.ID())
		}
		return false, q.logError("queue_enqueue_failed", err, "queue", queue, "message_id", msg.ID())
	}
	return true, nil
}

// Dequeue pops high before normal, polling until timeout. The returned
// message carries the receipt Ack and Nack settle.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (message.Message, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := q.retrier.Do(ctx, "dequeue_maintenance", func(ctx context.Context) error {
			if err := q.promote(ctx, queue); err != nil {
				return err
			}
			return q.reclaim(ctx, queue)
		}); err != nil {
			return message.Message{}, false, q.logError("queue_dequeue_failed", err, "queue", queue)
		}

		var d delivery
		err := q.retrier.Do(ctx, "dequeue_pop", func(ctx context.Context) error {
			var err error
			d, err = q.pop(ctx, queue)
			return err
		})
		if err != nil {
			return message.Message{}, false, q.logError("queue_dequeue_failed", err, "queue", queue)
		}

		if d.entry == "" {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return message.Message{}, false, nil
			}
			wait := q.pollInterval
			if remaining < wait {
				wait = remaining
			}
			if err := sleepWithContext(ctx, wait); err != nil {
				return message.Message{}, false, err
			}
			continue
		}
		if d.receipt == "" {
			q.logParked(queue, errMalformedEntry)
			continue
		}

		msg, err := decodeEntry(d.entry)
		if err != nil {
			q.park(ctx, queue, d.entry, err)
			if _, settleErr := q.settle(ctx, queue, d.receipt, releaseAck, "", "", 0, ""); settleErr != nil {
				q.logError("queue_park_failed", settleErr, "queue", queue)
			}
			continue
		}
		return msg.WithDelivery(d.receipt), true, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, queue string, msg message.Message) error {
	if msg.Delivery() == "" {
		return ErrNotInFlight
	}
	removed, err := q.settle(ctx, queue, msg.Delivery(), releaseAck, "", "", 0, "")
	if err != nil {
		return q.logError("queue_ack_failed", err, "queue", queue, "message_id", msg.ID())
	}
	if !removed {
		return ErrNotInFlight
	}
	return nil
}

// Nack settles msg's delivery and, when requeue is set, puts msg back in the
// same script so a crash between the two cannot lose it.
func (q *RedisQueue) Nack(ctx context.Context, queue string, msg message.Message, requeue bool, opts ...Option) error {
	if msg.Delivery() == "" {
		return ErrNotInFlight
	}
	o := applyOptions(opts)

	mode, target, entry, score := releaseAck, readyKey(queue, msg.Priority()), "", int64(0)
	if requeue {
		var err error
		entry, err = encodeEntry(msg)
		if err != nil {
			return err
		}
		mode = releaseReady
		if o.delay > 0 {
			mode, target = releaseDelayed, delayedKey(queue)
			score = q.now().Add(o.delay).UnixMilli()
		}
	}

	removed, err := q.settle(ctx, queue, msg.Delivery(), mode, target, entry, score, msg.ID())
	if err != nil {
		return q.logError("queue_nack_failed", err, "queue", queue, "message_id", msg.ID())
	}
	if !removed {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) push(ctx context.Context, queue string, msg message.Message, entry string, delay time.Duration) error {
	return q.retrier.Do(ctx, "push", func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.SAdd(ctx, pendingKey(queue), msg.ID())
		if delay > 0 {
			pipe.ZAdd(ctx, delayedKey(queue), &redis.Z{
				Score:  float64(q.now().Add(delay).UnixMilli()),
				Member: entry,
			})
		} else {
			pipe.LPush(ctx, readyKey(queue, msg.Priority()), entry)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

type delivery struct {
	receipt string
	id      string
	entry   string
}

// pop returns a zero delivery when both ready lists are empty. An entry
// without a receipt was malformed and already moved to the dead-letter list.
func (q *RedisQueue) pop(ctx context.Context, queue string) (delivery, error) {
	keys := []string{
		readyKey(queue, message.PriorityHigh),
		readyKey(queue, message.PriorityNormal),
		inFlightKey(queue),
		payloadsKey(queue),
		pendingKey(queue),
		readyKey(DeadLetterName(queue), message.PriorityNormal),
	}
	deadline := q.now().Add(q.visibilityTimeout).UnixMilli()
	res, err := popScript.Run(ctx, q.client, keys, deadline, xid.New().String()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return delivery{}, nil
	}
	if err != nil {
		return delivery{}, err
	}
	if len(res) != 3 {
		return delivery{}, fmt.Errorf("pop script returned %d values", len(res))
	}
	return delivery{receipt: res[0], id: res[1], entry: res[2]}, nil
}

// settle removes receipt from the in-flight set. mode ready or delayed puts
// entry on target in the same step. It reports false when the receipt was
// not in flight.
func (q *RedisQueue) settle(ctx context.Context, queue, receipt, mode, target, entry string, score int64, id string) (bool, error) {
	if target == "" {
		target = readyKey(queue, message.PriorityNormal)
	}
	keys := []string{inFlightKey(queue), payloadsKey(queue), pendingKey(queue), target}

	var removed int64
	err := q.retrier.Do(ctx, "settle_"+mode, func(ctx context.Context) error {
		var err error
		removed, err = releaseScript.Run(ctx, q.client, keys, receipt, mode, id, entry, score).Int64()
		return err
	})
	return removed == 1, err
}

// promote moves due delayed entries onto their ready list. The script's ZREM
// decides which of several concurrent consumers does the move.
func (q *RedisQueue) promote(ctx context.Context, queue string) error {
	due, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range due {
		msg, err := decodeEntry(entry)
		if err != nil {
			removed, remErr := q.client.ZRem(ctx, delayedKey(queue), entry).Result()
			if remErr != nil {
				return remErr
			}
			if removed == 1 {
				q.park(ctx, queue, entry, err)
			}
			continue
		}
		keys := []string{delayedKey(queue), readyKey(queue, msg.Priority())}
		if err := promoteScript.Run(ctx, q.client, keys, entry).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reclaim returns in-flight messages whose visibility deadline passed to
// the ready lists. Their old receipts stop settling anything.
func (q *RedisQueue) reclaim(ctx context.Context, queue string) error {
	expired, err := q.client.ZRangeByScore(ctx, inFlightKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, receipt := range expired {
		entry, err := q.client.HGet(ctx, payloadsKey(queue), receipt).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}

		msg, err := decodeEntry(entry)
		if err != nil {
			removed, settleErr := q.settle(ctx, queue, receipt, releaseAck, "", "", 0, "")
			if settleErr != nil {
				return settleErr
			}
			if removed {
				q.park(ctx, queue, entry, err)
			}
			continue
		}

		removed, err := q.settle(ctx, queue, receipt, releaseReady, readyKey(queue, msg.Priority()), entry, 0, msg.ID())
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		q.logger.Warn("message visibility timeout expired, redelivering",
			"event", "queue_visibility_timeout",
			"module", "shared/queue",
			"layer", "adapter",
			"queue", queue,
			"message_id", msg.ID(),
		)
	}
	return nil
}

// park moves an entry that cannot be decoded to the dead-letter list so it
// never reaches a consumer.
func (q *RedisQueue) park(ctx context.Context, queue, entry string, cause error) {
	q.logParked(queue, cause)
	err := q.retrier.Do(ctx, "park", func(ctx context.Context) error {
		return q.client.LPush(ctx, readyKey(DeadLetterName(queue), message.PriorityNormal), entry).Err()
	})
	if err != nil {
		q.logError("queue_park_failed", err, "queue", queue)
	}
}

func (q *RedisQueue) logParked(queue string, cause error) {
	q.logger.Error("undecodable message parked",
		"event", "queue_message_parked",
		"module", "shared/queue",
		"layer", "adapter",
		"queue", queue,
		"dead_letter_queue", DeadLetterName(queue),
		"error", cause.Error(),
	)
}

var errMalformedEntry = errors.New("queue entry has no id prefix")

func encodeEntry(msg message.Message) (string, error) {
	payload, err := message.Encode(msg)
	if err != nil {
		return "", err
	}
	return msg.ID() + " " + string(payload), nil
}

// decodeEntry decodes the payload half of entry. An entry whose id prefix
// disagrees with its payload is rejected.
func decodeEntry(entry string) (message.Message, error) {
	id, payload, ok := strings.Cut(entry, " ")
	if !ok {
		return message.Message{}, errMalformedEntry
	}
	msg, err := message.Decode([]byte(payload))
	if err != nil {
		return message.Message{}, err
	}
	if msg.ID() != id {
		return message.Message{}, fmt.Errorf("queue entry id %q does not match payload id %q", id, msg.ID())
	}
	return msg, nil
}

func (q *RedisQueue) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "shared/queue",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	q.logger.Error("redis queue operation failed", fields...)
	return err
}

// isRetryableRedisError reports connection-level failures. Replies from the
// server, including redis.Nil, are final.
func isRetryableRedisError(err error) bool {
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

func readyKey(queue string, p message.Priority) string {
	if p != message.PriorityHigh {
		p = message.PriorityNormal
	}
	return "queue:" + queue + ":" + string(p)
}

func delayedKey(queue string) string  { return "queue:" + queue + ":delayed" }
func inFlightKey(queue string) string { return "queue:" + queue + ":inflight" }
func payloadsKey(queue string) string { return "queue:" + queue + ":payloads" }
func pendingKey(queue string) string  { return "queue:" + queue + ":pending" }

var _ Queue = (*RedisQueue)(nil)
