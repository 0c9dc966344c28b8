// Package worker delivers pending outbox rows to the broker on a fixed interval.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/richardliu001/user-service/internal/broker"
	"github.com/richardliu001/user-service/internal/config"
	"github.com/richardliu001/user-service/internal/event"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/richardliu001/user-service/internal/outbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

// Claimer hands out batches of pending rows inside a transaction.
// *outbox.Store implements it.
type Claimer interface {
	WithClaim(ctx context.Context, limit int, fn func(ctx context.Context, c outbox.Claim) error) error
}

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	// MaxAttempts dead-letters a row once it has failed that many times and
	// the latest failure is non-retryable. Zero retries forever.
	MaxAttempts int
}

// ConfigFrom maps the outbox settings onto a publisher config.
func ConfigFrom(o config.OutboxConfig) Config {
	return Config{
		PollInterval:   o.PollInterval(),
		BatchSize:      o.BatchSize,
		PublishTimeout: o.PublishTimeout(),
		MaxAttempts:    o.MaxAttempts,
	}
}

// RetryClassifier picks out failures caused by the message itself. Only those
// can dead-letter a row; anything else is retried until the broker recovers.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}
	return fn(err)
}

// brokerClassifier treats every failure that is not a broker outage as
// non-retryable.
var brokerClassifier = RetryClassifierFunc(func(err error) bool {
	return !broker.IsTransient(err)
})

type Outcome string

const (
	OutcomePublished    Outcome = "published"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// RowResult is what happened to one claimed row.
type RowResult struct {
	ID      uint64
	Topic   string
	Outcome Outcome
	Err     error
}

// Report lists the row results of a committed tick in claim order.
type Report struct {
	Results []RowResult
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) IDs(o Outcome) []uint64 {
	var ids []uint64
	for _, res := range r.Results {
		if res.Outcome == o {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

type Option func(*Publisher)

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Publisher) { p.meterProvider = mp }
}

func WithRetryClassifier(rc RetryClassifier) Option {
	return func(p *Publisher) {
		if rc != nil {
			p.classifier = rc
		}
	}
}

// Publisher claims, publishes and marks outbox rows.
type Publisher struct {
	store   Claimer
	client  broker.Client
	builder *event.Builder
	cfg     Config
	log     *zap.SugaredLogger

	classifier    RetryClassifier
	meterProvider metric.MeterProvider
	metrics       publisherMetrics
}

func NewPublisher(store Claimer, client broker.Client, builder *event.Builder, cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Publisher, error) {
	if store == nil || client == nil {
		return nil, errors.New("publisher needs a store and a broker client")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if builder == nil {
		builder = event.NewBuilder(event.DefaultProducer)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Publisher{store: store, client: client, builder: builder, cfg: cfg, log: logger, classifier: brokerClassifier}
	for _, o := range opts {
		o(p)
	}
	m, err := newPublisherMetrics(p.meterProvider)
	if err != nil {
		return nil, err
	}
	p.metrics = m
	return p, nil
}

// Run ticks immediately and then every PollInterval until ctx is done. A tick
// that has started is not cancelled; its batch is drained and committed.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Infof("outbox publisher started interval=%s batch=%d max_attempts=%d",
		p.cfg.PollInterval, p.cfg.BatchSize, p.cfg.MaxAttempts)
	if ctx.Err() != nil {
		return nil
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(context.WithoutCancel(ctx)); err != nil {
			p.log.Errorf("outbox tick: %v", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one claim/publish/mark/commit cycle. A row that fails to publish
// is recorded and skipped; only database errors abort the tick, in which case
// the whole batch rolls back and is redelivered later.
func (p *Publisher) Tick(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report
	err := p.store.WithClaim(ctx, p.cfg.BatchSize, func(ctx context.Context, c outbox.Claim) error {
		events := c.Events()
		p.metrics.batchSize.Record(ctx, int64(len(events)))
		rep.Results = make([]RowResult, 0, len(events))
		for _, evt := range events {
			res, err := p.deliver(ctx, c, evt)
			if err != nil {
				return err
			}
			rep.Results = append(rep.Results, res)
		}
		return nil
	})
	p.metrics.tickDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return Report{}, err
	}

	for _, res := range rep.Results {
		attrs := metric.WithAttributes(attribute.String("topic", res.Topic))
		switch res.Outcome {
		case OutcomePublished:
			p.metrics.published.Add(ctx, 1, attrs)
		case OutcomeFailed:
			p.metrics.failed.Add(ctx, 1, attrs)
		case OutcomeDeadLettered:
			p.metrics.failed.Add(ctx, 1, attrs)
			p.metrics.deadLettered.Add(ctx, 1, attrs)
		}
	}
	if len(rep.Results) > 0 {
		p.log.Infow("outbox tick committed",
			"claimed", len(rep.Results),
			"published", rep.Count(OutcomePublished),
			"failed", rep.Count(OutcomeFailed),
			"dead_lettered", rep.Count(OutcomeDeadLettered),
			"elapsed", time.Since(start))
	}
	return rep, nil
}

func (p *Publisher) deliver(ctx context.Context, c outbox.Claim, evt model.OutboxEvent) (RowResult, error) {
	res := RowResult{ID: evt.ID, Topic: evt.Topic}

	pubErr := p.publish(ctx, evt)
	if pubErr == nil {
		if err := c.MarkProcessed(ctx, evt.ID); err != nil {
			return res, fmt.Errorf("mark event %d processed: %w", evt.ID, err)
		}
		res.Outcome = OutcomePublished
		return res, nil
	}

	res.Err = pubErr
	attempts, err := c.MarkFailed(ctx, evt.ID, pubErr)
	if err != nil {
		return res, fmt.Errorf("record failure of event %d: %w", evt.ID, err)
	}
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts && p.classifier.IsNonRetryable(pubErr) {
		if err := c.DeadLetter(ctx, evt.ID, pubErr); err != nil {
			return res, fmt.Errorf("dead-letter event %d: %w", evt.ID, err)
		}
		res.Outcome = OutcomeDeadLettered
		p.log.Errorw("outbox event dead-lettered",
			"id", evt.ID, "topic", evt.Topic, "attempts", attempts, "error", pubErr)
		return res, nil
	}
	res.Outcome = OutcomeFailed
	p.log.Warnw("outbox publish failed",
		"id", evt.ID, "topic", evt.Topic, "attempts", attempts, "error", pubErr)
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, evt model.OutboxEvent) error {
	env, body, err := p.builder.Marshal(event.Source{
		Key:        strconv.FormatUint(evt.ID, 10),
		Topic:      evt.Topic,
		Payload:    json.RawMessage(evt.Payload),
		OccurredAt: evt.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	return p.client.Publish(pctx, broker.Message{
		RoutingKey:    evt.Topic,
		Body:          body,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Timestamp:     evt.CreatedAt,
	})
}
