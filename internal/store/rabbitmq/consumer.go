package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/branchchat/internal/logger"
)

const attemptHeader = "x-attempt"

// Handler processes one job. A nil return acks the delivery.
type Handler func(ctx context.Context, jobID string) error

type ConsumerOptions struct {
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
	// OnDeadLetter is called once a job has used up its attempts.
	OnDeadLetter func(ctx context.Context, jobID string, err error)
}

func (o *ConsumerOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.Concurrency > 50 {
		o.Concurrency = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
}

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pubMu  sync.Mutex
	queues Queues
	opts   ConsumerOptions
	log    *logger.Logger
}

func NewConsumer(url, queue string, opts ConsumerOptions, log *logger.Logger) (*Consumer, error) {
	opts.setDefaults()
	if log == nil {
		log = logger.Nop()
	}
	q := QueuesFor(queue)
	conn, ch, err := dial(url, q)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "qos")
	}
	return &Consumer{conn: conn, ch: ch, queues: q, opts: opts, log: log.With("service", "JobConsumer")}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run dispatches deliveries to a fixed pool of workers until ctx ends or the
// broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	c.log.Info("worker started", "queue", c.queues.Main, "concurrency", c.opts.Concurrency)

	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	log := c.log.With("worker", workerID)
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := handle(ctx, m.JobID)
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			log.Warn("ack failed", "job_id", m.JobID, "err", aerr)
		}
		log.Info("job done", "job_id", m.JobID, "cost", time.Since(start))
		return
	}

	attempt := attemptOf(d.Headers) + 1
	switch decideRetry(attempt, c.opts.MaxAttempts, ctx.Err() != nil) {
	case actionRequeue:
		_ = d.Nack(false, true)
	case actionRetry:
		if rerr := c.retry(ctx, d.Body, attempt); rerr != nil {
			log.Warn("schedule retry failed", "job_id", m.JobID, "err", rerr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		log.Warn("job failed, retry scheduled", "job_id", m.JobID, "attempt", attempt, "err", err)
	default:
		if c.opts.OnDeadLetter != nil {
			c.opts.OnDeadLetter(context.WithoutCancel(ctx), m.JobID, err)
		}
		_ = d.Nack(false, false)
		log.Error("job failed, dead-lettered", "job_id", m.JobID, "attempt", attempt, "cost", time.Since(start), "err", err)
	}
}

func (c *Consumer) retry(ctx context.Context, body []byte, attempt int) error {
	pub := jobPublishing(body, attempt)
	pub.Expiration = strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(cctx, "", c.queues.Retry, false, false, pub)
}

type retryAction int

const (
	actionRetry retryAction = iota
	actionRequeue
	actionDeadLetter
)

// decideRetry picks what happens to a failed delivery. Deliveries failed by
// shutdown go back to the queue untouched.
func decideRetry(attempt, maxAttempts int, shuttingDown bool) retryAction {
	if shuttingDown {
		return actionRequeue
	}
	if attempt >= maxAttempts {
		return actionDeadLetter
	}
	return actionRetry
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
