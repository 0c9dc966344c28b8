package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/richardliu001/user-service/internal/broker"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/richardliu001/user-service/internal/outbox"
)

var (
	errBrokerDown = fmt.Errorf("%w: dial tcp: connection refused", broker.ErrNotConnected)
	errRejected   = fmt.Errorf("%w: basic.nack", broker.ErrNacked)
)

// fakeClient records publishes. fail decides per message whether the broker rejects it.
type fakeClient struct {
	mu        sync.Mutex
	published []broker.Message
	fail      func(broker.Message) error
	// block makes Publish wait for the context, like a stalled broker.
	block bool
}

func (f *fakeClient) Connect(context.Context) error   { return nil }
func (f *fakeClient) Reconnect(context.Context) error { return nil }
func (f *fakeClient) Close() error                    { return nil }

func (f *fakeClient) Publish(ctx context.Context, msg broker.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeClient) setFail(fn func(broker.Message) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeClient) messages() []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Message(nil), f.published...)
}

type memRow struct {
	evt       model.OutboxEvent
	processed bool
	dead      bool
	attempts  int
}

// memClaimer mimics FOR UPDATE SKIP LOCKED over in-memory rows: claimed rows
// stay locked until the claim ends, and marks apply only on commit.
type memClaimer struct {
	mu        sync.Mutex
	rows      []*memRow
	locked    map[uint64]bool
	commitErr error
	markErr   error
	// claimed is called once a batch is locked, before fn runs.
	claimed func(n int)
}

func newMemClaimer(n int) *memClaimer {
	m := &memClaimer{locked: map[uint64]bool{}}
	created := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		m.rows = append(m.rows, &memRow{evt: model.OutboxEvent{
			ID:        uint64(i),
			Topic:     "user.role_changed",
			Payload:   `{"userId":1}`,
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		}})
	}
	return m
}

func (m *memClaimer) WithClaim(ctx context.Context, limit int, fn func(ctx context.Context, c outbox.Claim) error) error {
	m.mu.Lock()
	var batch []model.OutboxEvent
	base := map[uint64]int{}
	for _, r := range m.rows {
		if len(batch) == limit {
			break
		}
		if r.processed || r.dead || m.locked[r.evt.ID] {
			continue
		}
		m.locked[r.evt.ID] = true
		batch = append(batch, r.evt)
		base[r.evt.ID] = r.attempts
	}
	hook := m.claimed
	m.mu.Unlock()
	if hook != nil {
		hook(len(batch))
	}

	c := &memClaim{markErr: m.markErr, events: batch, base: base, processed: map[uint64]bool{}, failed: map[uint64]int{}, dead: map[uint64]bool{}}
	err := fn(ctx, c)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range batch {
		delete(m.locked, e.ID)
	}
	if err != nil {
		return err
	}
	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		return err
	}
	for _, r := range m.rows {
		id := r.evt.ID
		if c.processed[id] {
			r.processed = true
		}
		r.attempts += c.failed[id]
		if c.dead[id] {
			r.dead = true
		}
	}
	return nil
}

func (m *memClaimer) processedIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for _, r := range m.rows {
		if r.processed {
			ids = append(ids, r.evt.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type memClaim struct {
	markErr   error
	events    []model.OutboxEvent
	base      map[uint64]int
	processed map[uint64]bool
	failed    map[uint64]int
	dead      map[uint64]bool
}

func (c *memClaim) Events() []model.OutboxEvent { return c.events }

func (c *memClaim) MarkProcessed(_ context.Context, id uint64) error {
	if _, ok := c.base[id]; !ok {
		return outbox.ErrNotClaimed
	}
	if c.markErr != nil {
		return c.markErr
	}
	if c.processed[id] {
		return outbox.ErrNotPending
	}
	c.processed[id] = true
	return nil
}

func (c *memClaim) MarkFailed(_ context.Context, id uint64, _ error) (int, error) {
	if _, ok := c.base[id]; !ok {
		return 0, outbox.ErrNotClaimed
	}
	c.failed[id]++
	return c.base[id] + c.failed[id], nil
}

func (c *memClaim) DeadLetter(_ context.Context, id uint64, _ error) error {
	if _, ok := c.base[id]; !ok {
		return outbox.ErrNotClaimed
	}
	c.dead[id] = true
	return nil
}
