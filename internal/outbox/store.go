// Package outbox stages domain events next to business data and hands
// claimed batches to the publisher.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/user-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorLen = 512

var (
	ErrTxRequired      = errors.New("outbox insert requires an open transaction")
	ErrTopicRequired   = errors.New("outbox topic is required")
	ErrPayloadNotJSON  = errors.New("outbox payload must be valid JSON")
	ErrLimitRequired   = errors.New("claim limit must be positive")
	ErrNotClaimed      = errors.New("outbox event is not part of this claim")
	ErrNotPending      = errors.New("outbox event is no longer pending")
	ErrEventNotFound   = errors.New("outbox event not found")
	ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")
)

// Claim is a batch of pending events locked by the current transaction.
// Marks become visible when the enclosing WithClaim commits.
type Claim interface {
	Events() []model.OutboxEvent
	MarkProcessed(ctx context.Context, id uint64) error
	// MarkFailed records a failed delivery and returns the new attempt count.
	MarkFailed(ctx context.Context, id uint64, cause error) (int, error)
	DeadLetter(ctx context.Context, id uint64, cause error) error
}

// Store is the gorm-backed outbox table.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert appends an event inside tx. payload is stored as-is when it is
// already encoded JSON ([]byte, json.RawMessage, string), otherwise marshalled.
func (s *Store) Insert(ctx context.Context, tx *gorm.DB, topic string, payload any) (*model.OutboxEvent, error) {
	if !inTransaction(tx) {
		return nil, ErrTxRequired
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrTopicRequired
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	evt := &model.OutboxEvent{Topic: topic, Payload: string(body)}
	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}
	return evt, nil
}

// WithClaim locks up to limit pending events, oldest id first, skipping rows
// locked by other claimers, and runs fn with them. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) WithClaim(ctx context.Context, limit int, fn func(ctx context.Context, c Claim) error) error {
	if limit <= 0 {
		return ErrLimitRequired
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []model.OutboxEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed = ? AND dead_lettered_at IS NULL", false).
			Order("id ASC").
			Limit(limit).
			Find(&events).Error
		if err != nil {
			return fmt.Errorf("claim outbox batch: %w", err)
		}

		c := &claim{tx: tx, now: s.now, events: events, attempts: make(map[uint64]int, len(events))}
		for _, e := range events {
			c.attempts[e.ID] = e.Attempts
		}
		return fn(ctx, c)
	})
}

// Get reads an event by id.
func (s *Store) Get(ctx context.Context, id uint64) (*model.OutboxEvent, error) {
	var evt model.OutboxEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&evt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// Stats summarizes the table for operators.
type Stats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed"`
	DeadLettered  int64      `json:"deadLettered"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}

// Stats counts events by delivery state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&model.OutboxEvent{})
	if err := db.Session(&gorm.Session{}).Where("processed = ? AND dead_lettered_at IS NULL", false).Count(&st.Pending).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Session(&gorm.Session{}).Where("processed = ?", true).Count(&st.Processed).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Session(&gorm.Session{}).Where("dead_lettered_at IS NOT NULL").Count(&st.DeadLettered).Error; err != nil {
		return Stats{}, err
	}
	if st.Pending > 0 {
		var oldest model.OutboxEvent
		err := db.Session(&gorm.Session{}).
			Where("processed = ? AND dead_lettered_at IS NULL", false).
			Order("id ASC").
			First(&oldest).Error
		if err != nil {
			return Stats{}, err
		}
		st.OldestPending = &oldest.CreatedAt
	}
	return st, nil
}

// Requeue returns a dead-lettered event to the pending set with a fresh
// attempt budget. It never touches the processed flag.
func (s *Store) Requeue(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND dead_lettered_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"dead_lettered_at": nil,
			"attempts":         0,
			"last_error":       nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotDeadLettered
	}
	return nil
}

type claim struct {
	tx       *gorm.DB
	now      func() time.Time
	events   []model.OutboxEvent
	attempts map[uint64]int
}

func (c *claim) Events() []model.OutboxEvent { return c.events }

func (c *claim) MarkProcessed(ctx context.Context, id uint64) error {
	if _, ok := c.attempts[id]; !ok {
		return ErrNotClaimed
	}
	now := c.now()
	return c.update(ctx, id, map[string]interface{}{"processed": true, "processed_at": &now})
}

func (c *claim) MarkFailed(ctx context.Context, id uint64, cause error) (int, error) {
	n, ok := c.attempts[id]
	if !ok {
		return 0, ErrNotClaimed
	}
	err := c.update(ctx, id, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": errorText(cause),
	})
	if err != nil {
		return n, err
	}
	c.attempts[id] = n + 1
	return n + 1, nil
}

func (c *claim) DeadLetter(ctx context.Context, id uint64, cause error) error {
	if _, ok := c.attempts[id]; !ok {
		return ErrNotClaimed
	}
	now := c.now()
	return c.update(ctx, id, map[string]interface{}{
		"dead_lettered_at": &now,
		"last_error":       errorText(cause),
	})
}

func (c *claim) update(ctx context.Context, id uint64, fields map[string]interface{}) error {
	res := c.tx.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func inTransaction(tx *gorm.DB) bool {
	if tx == nil || tx.Statement == nil {
		return false
	}
	_, ok := tx.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}

func encodePayload(payload any) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case nil:
		return nil, ErrPayloadNotJSON
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadNotJSON, err)
		}
		body = b
	}
	if !json.Valid(body) {
		return nil, ErrPayloadNotJSON
	}
	return body, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
